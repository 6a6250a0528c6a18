package awareness

// DefaultWindowSize is the rolling breach window length.
const DefaultWindowSize = 3

// breachWindow gates metric alerts on sustained breaches: a raise requires
// the last size samples to all breach the threshold, and a single normal
// sample clears the window.
type breachWindow struct {
	size  int
	count int
}

func newBreachWindow(size int) *breachWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &breachWindow{size: size}
}

// Observe records one sample classification and reports whether the window
// is full of breaches.
func (w *breachWindow) Observe(breach bool) bool {
	if !breach {
		w.count = 0
		return false
	}
	if w.count < w.size {
		w.count++
	}
	return w.count >= w.size
}
