package redisstore

import (
	"context"
	"testing"
	"time"
)

func TestClaim_SurfacesConnectionErrors(t *testing.T) {
	s := New("127.0.0.1:1", "", 0)
	s.Client.Options().MaxRetries = -1
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	claimed, id, err := s.Claim(ctx, "k")
	if err == nil || claimed || id != 0 {
		t.Fatalf("expected error from unreachable redis, got claimed=%v id=%d err=%v", claimed, id, err)
	}
}

func TestIdemKey(t *testing.T) {
	if got := idemKey("abc"); got != "catwalk:idem:abc" {
		t.Fatalf("unexpected key %q", got)
	}
}
