package transport

// Recorder receives per-message and per-retry measurements. Status changes
// and errors are observed through OnStatus and OnError instead.
type Recorder interface {
	MessageReceived(kind Kind, topic string)
	MessagePublished(kind Kind, topic string)
	HandlerFailed(kind Kind, topic string)
	ReconnectScheduled(kind Kind, attempt int)
}

type nopRecorder struct{}

func (nopRecorder) MessageReceived(Kind, string) {}
func (nopRecorder) MessagePublished(Kind, string) {}
func (nopRecorder) HandlerFailed(Kind, string) {}
func (nopRecorder) ReconnectScheduled(Kind, int) {}

// multiRecorder fans measurements out to several recorders.
type multiRecorder []Recorder

// Recorders combines recorders into one. Nil recorders are skipped.
func Recorders(rs ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return nopRecorder{}
	case 1:
		return out[0]
	}
	return out
}

func (m multiRecorder) MessageReceived(k Kind, topic string) {
	for _, r := range m {
		r.MessageReceived(k, topic)
	}
}

func (m multiRecorder) MessagePublished(k Kind, topic string) {
	for _, r := range m {
		r.MessagePublished(k, topic)
	}
}

func (m multiRecorder) HandlerFailed(k Kind, topic string) {
	for _, r := range m {
		r.HandlerFailed(k, topic)
	}
}

func (m multiRecorder) ReconnectScheduled(k Kind, attempt int) {
	for _, r := range m {
		r.ReconnectScheduled(k, attempt)
	}
}
