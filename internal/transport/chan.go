package transport

import "time"

// chunkReader serves Read calls from a channel of byte chunks, keeping the
// unread tail of a chunk for the next call.
type chunkReader struct {
	ch      <-chan []byte
	done    <-chan struct{}
	pending []byte
}

func (r *chunkReader) read(buf []byte, timeout time.Duration) (int, error) {
	if len(r.pending) > 0 {
		n := copy(buf, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-r.ch:
		if !ok {
			return 0, ErrClosed
		}
		n := copy(buf, chunk)
		r.pending = chunk[n:]
		return n, nil
	case <-r.done:
		return 0, ErrClosed
	case <-timer.C:
		return 0, nil
	}
}
