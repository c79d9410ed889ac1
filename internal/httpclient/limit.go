package httpclient

import (
	"fmt"
	"io"
)

// ResponseTooLargeError reports that a provider response body exceeded
// the configured limit.
type ResponseTooLargeError struct {
	Limit int64
}

func (e ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response body larger than %d bytes", e.Limit)
}

// ReadBody reads a response body up to limit bytes. A non-positive
// limit reads everything.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(&lr)
	if err != nil {
		return nil, err
	}
	if lr.N == 0 {
		return nil, ResponseTooLargeError{Limit: limit}
	}
	return data, nil
}
