package relay

import (
	"io"
	"net"
	"sync"
)

type closeWriter interface {
	CloseWrite() error
}

// Splice copies bidirectionally between a and b until both directions finish.
// EOF on one side propagates as a write-half shutdown of the other, so the
// reverse direction keeps flowing; a hard error tears both sockets down. Both
// sockets are fully closed by the time Splice returns. Returns bytes copied
// a->b and b->a.
func Splice(a, b net.Conn) (aToB, bToA int64) {
	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() {
		_ = a.Close()
		_ = b.Close()
	}
	copyDir := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		written, err := io.Copy(dst, src)
		*n = written
		if err != nil {
			once.Do(closeBoth)
			return
		}
		if cw, ok := dst.(closeWriter); ok {
			if cw.CloseWrite() == nil {
				return
			}
		}
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyDir(b, a, &aToB)
	go copyDir(a, b, &bToA)
	wg.Wait()
	once.Do(closeBoth)
	return aToB, bToA
}
