package service

import (
	"errors"
	"fmt"
	"net/http"

	"ns-metadata-proxy/internal/model"
)

// ErrUnexpectedBackendStatus is matched by errors returned from MapResponse
// for a backend status outside the status table.
var ErrUnexpectedBackendStatus = errors.New("unexpected backend status")

// UnexpectedStatusError carries the status code the backend returned.
type UnexpectedStatusError struct {
	StatusCode int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected response code: %d", e.StatusCode)
}

func (e *UnexpectedStatusError) Is(target error) bool {
	return target == ErrUnexpectedBackendStatus
}

// statusAction says how a backend status is returned to the tenant.
type statusAction int

const (
	passThrough statusAction = iota + 1 // status, body and content type unchanged
	bareStatus                          // status only, empty body
	maskedError                         // fixed message, backend body dropped
)

// statusTable is the complete backend status policy. Anything missing is an
// UnexpectedStatusError.
var statusTable = map[int]statusAction{
	http.StatusOK:                  passThrough,
	http.StatusNotFound:            bareStatus,
	http.StatusConflict:            bareStatus,
	http.StatusInternalServerError: maskedError,
}

// Translate builds the backend request for an inbound tenant request. Method,
// path and query are copied verbatim. Inbound headers are not forwarded; the
// backend only sees X-Forwarded-For and the identity header.
func Translate(in *model.InboundRequest, id model.Identity) *model.OutboundRequest {
	header := make(http.Header, 2)
	header.Set(model.HeaderForwardedFor, in.RemoteAddress)
	name, value := id.Header()
	header.Set(name, value)

	return &model.OutboundRequest{
		Method: in.Method,
		Path:   in.Path,
		Query:  in.Query,
		Header: header,
		Body:   in.Body,
	}
}

// MapResponse applies the status table to a backend response.
func MapResponse(resp *model.BackendResponse) (*model.OutboundResponse, error) {
	switch statusTable[resp.StatusCode] {
	case passThrough:
		return &model.OutboundResponse{
			StatusCode:  resp.StatusCode,
			ContentType: resp.ContentType,
			Body:        resp.Body,
		}, nil
	case bareStatus:
		return &model.OutboundResponse{StatusCode: resp.StatusCode}, nil
	case maskedError:
		return &model.OutboundResponse{
			StatusCode:  http.StatusInternalServerError,
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte(model.MsgBackendInternalError),
		}, nil
	default:
		return nil, &UnexpectedStatusError{StatusCode: resp.StatusCode}
	}
}
