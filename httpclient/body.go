package httpclient

import (
	"io"
)

// readBody drains body, keeping at most limit bytes. A limit of zero or
// less keeps everything. The remainder of an oversized body is discarded,
// up to the same limit again, so the connection can usually be reused.
func readBody(body io.Reader, limit int64) (data []byte, truncated bool, err error) {
	if limit <= 0 {
		data, err = io.ReadAll(body)
		return data, false, err
	}

	data, err = io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) <= limit {
		return data, false, nil
	}

	_, _ = io.CopyN(io.Discard, body, limit)
	return data[:limit], true, nil
}
