package metrics

import "testing"

func TestNewRegistersWithoutPanicking(t *testing.T) {
	c := New()
	if c.Handler() == nil {
		t.Fatal("expected non-nil metrics handler")
	}
}

func TestMultipleCollectorsDoNotConflict(t *testing.T) {
	// Each Collector owns a private registry, so constructing a second
	// one must not panic on duplicate metric registration.
	_ = New()
	_ = New()
}
