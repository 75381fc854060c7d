package modbus

import (
	"errors"
	"io"
	"time"
)

// ErrTimeout is returned when no response starts within the frame
// timeout.
var ErrTimeout = errors.New("response timeout")

// FrameReader frames responses from prompt/response serial devices by
// the gap in the byte stream: once data starts arriving, a pause
// longer than the chunk timeout ends the frame. This minimizes the
// time spent waiting compared to always sleeping the worst-case
// response time, at the cost of assuming the device does not pause
// mid-frame.
type FrameReader struct {
	reader       io.ReadWriteCloser
	timeout      time.Duration
	chunkTimeout time.Duration
	dataChan     chan []byte
}

// NewFrameReader wraps a port. timeout bounds the wait for the first
// byte; chunkTimeout is the inter-byte gap that ends a frame.
func NewFrameReader(reader io.ReadWriteCloser, timeout, chunkTimeout time.Duration) *FrameReader {
	fr := &FrameReader{
		reader:       reader,
		timeout:      timeout,
		chunkTimeout: chunkTimeout,
		dataChan:     make(chan []byte),
	}
	// reader goroutine lives for the life of the port because there is
	// no way to stop a blocked read
	go fr.readInput()
	return fr
}

// Read blocks until a gap or the frame timeout and returns the
// accumulated frame.
func (fr *FrameReader) Read(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, errors.New("must supply non-zero length buffer")
	}

	timeout := time.NewTimer(fr.timeout)
	defer timeout.Stop()
	count := 0

	for {
		select {
		case newData, ok := <-fr.dataChan:
			for i := 0; count < len(buffer) && i < len(newData); i++ {
				buffer[count] = newData[i]
				count++
			}

			if !ok {
				return count, io.EOF
			}

			timeout.Reset(fr.chunkTimeout)

		case <-timeout.C:
			if count > 0 {
				return count, nil
			}
			return 0, ErrTimeout
		}
	}
}

// Flush drains any stale input before a new prompt goes out.
func (fr *FrameReader) Flush() {
	timeout := time.NewTimer(fr.chunkTimeout)
	defer timeout.Stop()

	for {
		select {
		case _, ok := <-fr.dataChan:
			if !ok {
				return
			}
			timeout.Reset(fr.chunkTimeout)
		case <-timeout.C:
			return
		}
	}
}

// Write flushes stale input, then sends the prompt.
func (fr *FrameReader) Write(data []byte) (int, error) {
	fr.Flush()
	return fr.reader.Write(data)
}

// Close closes the underlying port, which ends the reader goroutine.
func (fr *FrameReader) Close() error {
	return fr.reader.Close()
}

func (fr *FrameReader) readInput() {
	for {
		tmp := make([]byte, 256)
		length, err := fr.reader.Read(tmp)
		if err != nil {
			break
		}
		fr.dataChan <- tmp[:length]
	}
	close(fr.dataChan)
}
