// Command eventlog consumes the job event fanout and writes one line per
// event, so job history can be followed from a separate process.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/catwalk/internal/broadcast"
	"github.com/suPer8Hu/catwalk/internal/config"
	"github.com/suPer8Hu/catwalk/internal/store/rabbitmq"
)

func prefetch() int {
	v := os.Getenv("EVENTLOG_PREFETCH")
	if v == "" {
		return 32
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 32
	}
	return n
}

func main() {
	config.LoadDotEnv(os.Getenv("ENV_FILE"))
	cfg := config.Load()
	if cfg.RabbitURL == "" {
		log.Fatalf("RABBIT_URL is required")
	}
	queue := cfg.RabbitQueue
	if queue == "" {
		queue = cfg.RabbitExchange + ".log"
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.Declare(ch, cfg.RabbitExchange, queue); err != nil {
		log.Fatalf("declare: %v", err)
	}
	if err := ch.Qos(prefetch(), 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("eventlog started, exchange=%s queue=%s", cfg.RabbitExchange, queue)

	for {
		select {
		case <-ctx.Done():
			log.Printf("eventlog shutting down")
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				return
			}
			handle(d)
		}
	}
}

func handle(d amqp.Delivery) {
	var e broadcast.Event
	if err := json.Unmarshal(d.Body, &e); err != nil || e.ID == 0 {
		log.Printf("bad event: %v", err)
		// dead-lettered to <queue>.dlq
		_ = d.Nack(false, false)
		return
	}
	log.Printf("event seq=%d job=%d type=%s status=%s parent=%s updated=%s",
		e.Seq, e.ID, e.JobType, e.Status, parent(e.ParentJob), e.UpdatedAt.Format(time.RFC3339Nano))
	if err := d.Ack(false); err != nil {
		log.Printf("ack failed job=%d err=%v", e.ID, err)
	}
}

func parent(id *uint64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatUint(*id, 10)
}
