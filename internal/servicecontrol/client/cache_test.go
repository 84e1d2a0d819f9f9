package client

import (
	"testing"
	"time"

	"github.com/wudi/scgate/internal/servicecontrol"
)

func infoFor(op *servicecontrol.Operation, key string) *servicecontrol.RequestInfo {
	return &servicecontrol.RequestInfo{Operation: op, APIKey: key}
}

func TestCheckCacheOnlyAllowed(t *testing.T) {
	c := NewCheckCache(10, time.Minute)
	op := &servicecontrol.Operation{Name: "GetBook", ServiceName: "svc"}

	denied := servicecontrol.ConvertCheckResponse([]byte(`{"checkErrors":[{"code":"PERMISSION_DENIED"}]}`))
	c.Add(infoFor(op, "k1"), denied)
	if _, ok := c.Get(infoFor(op, "k1")); ok {
		t.Error("denied outcome must not be cached")
	}

	allowed := servicecontrol.AllowedOutcome()
	allowed.ConsumerProjectNumber = "42"
	c.Add(infoFor(op, "k1"), allowed)
	got, ok := c.Get(infoFor(op, "k1"))
	if !ok || got.ConsumerProjectNumber != "42" {
		t.Errorf("Get = %+v, %v", got, ok)
	}

	if _, ok := c.Get(infoFor(op, "k2")); ok {
		t.Error("different api key must miss")
	}
	other := &servicecontrol.Operation{Name: "ListBooks", ServiceName: "svc"}
	if _, ok := c.Get(infoFor(other, "k1")); ok {
		t.Error("different operation must miss")
	}

	stats := c.Stats()
	if stats["hits"].(int64) != 1 || stats["misses"].(int64) != 3 {
		t.Errorf("stats = %v", stats)
	}
}

func TestCheckCacheExpires(t *testing.T) {
	c := NewCheckCache(10, 20*time.Millisecond)
	op := &servicecontrol.Operation{Name: "GetBook", ServiceName: "svc"}
	c.Add(infoFor(op, "k"), servicecontrol.AllowedOutcome())

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(infoFor(op, "k")); ok {
		t.Error("entry should have expired")
	}
}

func TestCheckCacheDisabled(t *testing.T) {
	c := NewCheckCache(10, 0)
	if c != nil {
		t.Fatal("zero ttl should disable the cache")
	}
	op := &servicecontrol.Operation{Name: "GetBook"}
	c.Add(infoFor(op, "k"), servicecontrol.AllowedOutcome())
	if _, ok := c.Get(infoFor(op, "k")); ok {
		t.Error("nil cache must miss")
	}
	if c.Len() != 0 {
		t.Error("nil cache Len should be 0")
	}
}

func TestKeySeparatesFields(t *testing.T) {
	a := &servicecontrol.Operation{Name: "ab", ServiceName: "s"}
	b := &servicecontrol.Operation{Name: "a", ServiceName: "s"}
	if Key(infoFor(a, "c")) == Key(infoFor(b, "bc")) {
		t.Error("field boundaries must be part of the key")
	}
}
