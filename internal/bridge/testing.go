package bridge

import "context"

// NewTestStream creates a Stream pre-loaded with the given fragments, for testing.
func NewTestStream(fragments ...Fragment) *Stream {
	s := newStream(context.Background())
	go func() {
		for _, f := range fragments {
			s.send(f)
		}
		s.close()
	}()
	return s
}

// TextFragments wraps plain strings as fragments.
func TextFragments(texts ...string) []Fragment {
	out := make([]Fragment, len(texts))
	for i, t := range texts {
		out[i] = Fragment{Text: t}
	}
	return out
}

// ErrorFragment builds an error fragment the way a real invocation would.
func ErrorFragment(kind ErrorKind, msg string) Fragment {
	return errorFragment(kind, msg)
}
