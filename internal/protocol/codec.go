package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/loganszeto/shardkv/internal/value"
)

var ErrInvalidResponse = errors.New("invalid response")

func EncodeResponse(resp Response) ([]byte, error) {
	dst := []byte{byte(resp.Status)}
	switch resp.Status {
	case StatusOK:
		if resp.Value.IsZero() {
			return dst, nil
		}
		out, err := value.Append(dst, resp.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return out, nil
	case StatusNotFound:
		return dst, nil
	case StatusTypeMismatch, StatusError:
		return append(dst, strings.ToValidUTF8(resp.Message, "�")...), nil
	default:
		return nil, fmt.Errorf("%w: unknown status %s", ErrInvalidResponse, resp.Status)
	}
}

func DecodeResponse(payload []byte) (Response, error) {
	if len(payload) == 0 {
		return Response{}, malformed("empty response")
	}
	resp := Response{Status: Status(payload[0])}
	body := payload[1:]
	switch resp.Status {
	case StatusOK:
		if len(body) == 0 {
			return resp, nil
		}
		v, n, err := value.Decode(body)
		if err != nil {
			return Response{}, &ProtocolError{Reason: "bad value", Err: err}
		}
		if n != len(body) {
			return Response{}, malformed("%d trailing bytes after value", len(body)-n)
		}
		resp.Value = v
	case StatusNotFound:
		if len(body) != 0 {
			return Response{}, malformed("NOT_FOUND with %d byte body", len(body))
		}
	case StatusTypeMismatch, StatusError:
		if !utf8.Valid(body) {
			return Response{}, malformed("%s message is not valid utf-8", resp.Status)
		}
		resp.Message = string(body)
	default:
		return Response{}, malformed("unknown status 0x%02x", payload[0])
	}
	return resp, nil
}

func WriteRequest(w io.Writer, req Request) error {
	payload, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

func ReadRequest(r io.Reader, maxFrame int) (Request, error) {
	payload, err := ReadFrame(r, maxFrame)
	if err != nil {
		return Request{}, err
	}
	return DecodeRequest(payload)
}

func WriteResponse(w io.Writer, resp Response) error {
	payload, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

func ReadResponse(r io.Reader, maxFrame int) (Response, error) {
	payload, err := ReadFrame(r, maxFrame)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(payload)
}
