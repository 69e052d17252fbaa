package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

type TimedResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was written to the store.
	StoredAt time.Time
}

// StoreResponse returns the HTTP/1.1 representation of the response, for storing.
// The body of the live response is read in full and then replaced,
// so the caller can still send the response after storing it.
func StoreResponse(res *http.Response, storedAt time.Time) ([]byte, error) {
	snapshot := *res
	snapshot.Proto, snapshot.ProtoMajor, snapshot.ProtoMinor = "HTTP/1.1", 1, 1
	snapshot.Header = res.Header.Clone()
	if snapshot.Header == nil {
		snapshot.Header = make(http.Header)
	}
	snapshot.Header.Set(storedAtHeaderName, strconv.FormatInt(storedAt.Unix(), 10))

	bts, err := responseToBytes(&snapshot)
	if err != nil {
		return nil, err
	}
	// give the live response a body again
	clone, err := bytesToResponse(bts, res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clone.Body
	res.ContentLength = clone.ContentLength
	res.TransferEncoding = clone.TransferEncoding
	return bts, nil
}

// LoadResponse converts stored bytes back into a response for the given request.
func LoadResponse(b []byte, req *http.Request) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := bytesToResponse(b, req)
	if err != nil {
		return sRes, err
	}
	storedAtInt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored response has no store time: %w", err)
	}
	res.Header.Del(storedAtHeaderName)
	sRes.Response = res
	sRes.StoredAt = time.Unix(storedAtInt, 0)
	return sRes, nil
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// responseToBytes converts a response to a byte slice.
// It consumes and closes the response body.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("could not write response: %w", err)
	}
	return buf.Bytes(), nil
}
