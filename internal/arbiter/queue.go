package arbiter

// Append adds name to the tail of q unless it is already queued.
func Append(q []string, name string) ([]string, bool) {
	if Contains(q, name) {
		return q, false
	}
	out := make([]string, 0, len(q)+1)
	out = append(out, q...)
	return append(out, name), true
}

// PushFront puts name at the head of q. Any later occurrence of name is
// removed so the queue never holds duplicates.
func PushFront(q []string, name string) []string {
	out := make([]string, 0, len(q)+1)
	out = append(out, name)
	for _, n := range q {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Remove returns q without name.
func Remove(q []string, name string) []string {
	out := make([]string, 0, len(q))
	for _, n := range q {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// PopFront removes and returns the head of q.
func PopFront(q []string) (string, []string, bool) {
	if len(q) == 0 {
		return "", q, false
	}
	rest := make([]string, len(q)-1)
	copy(rest, q[1:])
	return q[0], rest, true
}

// Contains reports whether name is queued in q.
func Contains(q []string, name string) bool {
	for _, n := range q {
		if n == name {
			return true
		}
	}
	return false
}
