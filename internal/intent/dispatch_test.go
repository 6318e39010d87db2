package intent

import "testing"

func TestEveryKindIsWired(t *testing.T) {
	t.Parallel()

	e := NewExecutor()
	if len(constructors) != len(Kinds) || len(e.handlers) != len(Kinds) {
		t.Fatalf("constructors = %d, handlers = %d, kinds = %d", len(constructors), len(e.handlers), len(Kinds))
	}
	for _, k := range Kinds {
		if constructors[k] == nil {
			t.Errorf("no constructor for %s", k)
		}
		if e.handlers[k] == nil {
			t.Errorf("no handler for %s", k)
		}
	}
}
