package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/icsia/device-core/internal/infrastructure/mqtt"
)

// recordingSink captures commands handed to the command path.
type recordingSink struct {
	mu     sync.Mutex
	topics []string
}

func (s *recordingSink) HandleCommand(_ context.Context, topic string, _ []byte) {
	s.mu.Lock()
	s.topics = append(s.topics, topic)
	s.mu.Unlock()
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// =============================================================================
// Registration Tests
// =============================================================================

func TestRegisterEmptyPattern(t *testing.T) {
	router := NewRouter("icsia/+/cmd/#", nil, nil)

	err := router.Register("", func(string, []byte, mqtt.Properties) {})
	if !errors.Is(err, ErrEmptyPattern) {
		t.Errorf("Register() error = %v, want ErrEmptyPattern", err)
	}
}

func TestRegisterNilCallback(t *testing.T) {
	router := NewRouter("icsia/+/cmd/#", nil, nil)

	err := router.Register("a/b", nil)
	if !errors.Is(err, ErrNilCallback) {
		t.Errorf("Register() error = %v, want ErrNilCallback", err)
	}
}

func TestPatternsPreserveOrder(t *testing.T) {
	router := NewRouter("icsia/+/cmd/#", nil, nil)

	for _, pattern := range []string{"z/#", "a/+", "m/n"} {
		if err := router.Register(pattern, func(string, []byte, mqtt.Properties) {}); err != nil {
			t.Fatalf("Register(%s) error = %v", pattern, err)
		}
	}

	got := router.Patterns()
	want := []string{"z/#", "a/+", "m/n"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Patterns() = %v, want %v", got, want)
		}
	}
}

// =============================================================================
// Routing Tests
// =============================================================================

func TestRouteCommandTopic(t *testing.T) {
	sink := &recordingSink{}
	router := NewRouter("icsia/+/cmd/#", sink, nil)

	router.Route(context.Background(), "icsia/motor-01/cmd/move", []byte("{}"), nil)
	router.Wait()

	got := sink.received()
	if len(got) != 1 || got[0] != "icsia/motor-01/cmd/move" {
		t.Errorf("sink received %v, want the command topic", got)
	}
}

func TestRouteNonCommandTopic(t *testing.T) {
	sink := &recordingSink{}
	router := NewRouter("icsia/+/cmd/#", sink, nil)

	router.Route(context.Background(), "icsia/motor-01/status/ack", []byte("{}"), nil)
	router.Wait()

	if got := sink.received(); len(got) != 0 {
		t.Errorf("sink received %v, want nothing for non-command topic", got)
	}
}

func TestRouteCallbacksInRegistrationOrder(t *testing.T) {
	router := NewRouter("icsia/+/cmd/#", nil, nil)

	var mu sync.Mutex
	var calls []string
	record := func(name string) Callback {
		return func(string, []byte, mqtt.Properties) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	if err := router.Register("a/#", record("first")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := router.Register("a/#", record("second")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	router.Route(context.Background(), "a/b", []byte("x"), nil)
	router.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v, want [first second]", calls)
	}
}

func TestRouteMultiplePatternsMatch(t *testing.T) {
	router := NewRouter("icsia/+/cmd/#", nil, nil)

	var mu sync.Mutex
	hits := make(map[string]int)
	register := func(pattern string) {
		err := router.Register(pattern, func(string, []byte, mqtt.Properties) {
			mu.Lock()
			hits[pattern]++
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Register(%s) error = %v", pattern, err)
		}
	}

	register("sensors/+/temp")
	register("sensors/#")
	register("other/#")

	router.Route(context.Background(), "sensors/room1/temp", []byte("21.5"), nil)
	router.Wait()

	mu.Lock()
	defer mu.Unlock()
	if hits["sensors/+/temp"] != 1 || hits["sensors/#"] != 1 {
		t.Errorf("hits = %v, want both sensor patterns hit once", hits)
	}
	if hits["other/#"] != 0 {
		t.Errorf("hits = %v, want other/# untouched", hits)
	}
}

func TestRouteCallbackReceivesPayload(t *testing.T) {
	router := NewRouter("icsia/+/cmd/#", nil, nil)

	var mu sync.Mutex
	var gotTopic, gotPayload string
	err := router.Register("a/+", func(topic string, payload []byte, _ mqtt.Properties) {
		mu.Lock()
		gotTopic = topic
		gotPayload = string(payload)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	router.Route(context.Background(), "a/b", []byte("hello"), nil)
	router.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gotTopic != "a/b" || gotPayload != "hello" {
		t.Errorf("callback got (%q, %q), want (a/b, hello)", gotTopic, gotPayload)
	}
}

func TestRoutePanicDoesNotSkipSuccessors(t *testing.T) {
	router := NewRouter("icsia/+/cmd/#", nil, nil)

	var mu sync.Mutex
	reached := false

	if err := router.Register("a/#", func(string, []byte, mqtt.Properties) {
		panic("faulty callback")
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := router.Register("a/#", func(string, []byte, mqtt.Properties) {
		mu.Lock()
		reached = true
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	router.Route(context.Background(), "a/b", []byte("x"), nil)
	router.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !reached {
		t.Error("second callback not invoked after first panicked")
	}
}

func TestRouteCommandAndCallbackBothFire(t *testing.T) {
	sink := &recordingSink{}
	router := NewRouter("icsia/+/cmd/#", sink, nil)

	var mu sync.Mutex
	callbackHit := false
	if err := router.Register("icsia/#", func(string, []byte, mqtt.Properties) {
		mu.Lock()
		callbackHit = true
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	router.Route(context.Background(), "icsia/motor-01/cmd/move", []byte("{}"), nil)
	router.Wait()

	if len(sink.received()) != 1 {
		t.Error("command sink not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if !callbackHit {
		t.Error("pattern callback not invoked for command topic")
	}
}
