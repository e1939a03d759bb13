package models

import (
	"context"

	"github.com/apex/log"
)

// RequestContext caller provenance attached to audit records and log lines
type RequestContext struct {
	// Actor who is making the call
	Actor string `json:"actor,omitempty"`
	// IPAddress caller IP address
	IPAddress string `json:"ip_address,omitempty"`
	// UserAgent caller user agent
	UserAgent string `json:"user_agent,omitempty"`
	// RequestID caller request ID
	RequestID string `json:"request_id,omitempty"`
}

type requestContextKey struct{}

// WithRequestContext attach caller provenance to an execution context
func WithRequestContext(ctx context.Context, reqCtx RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, reqCtx)
}

// GetRequestContext read caller provenance from an execution context
func GetRequestContext(ctx context.Context) RequestContext {
	if ctx == nil {
		return RequestContext{}
	}
	if reqCtx, ok := ctx.Value(requestContextKey{}).(RequestContext); ok {
		return reqCtx
	}
	return RequestContext{}
}

// LogFields log metadata describing the caller
func (r RequestContext) LogFields() log.Fields {
	fields := log.Fields{}
	if r.Actor != "" {
		fields["actor"] = r.Actor
	}
	if r.IPAddress != "" {
		fields["ip"] = r.IPAddress
	}
	if r.UserAgent != "" {
		fields["user_agent"] = r.UserAgent
	}
	if r.RequestID != "" {
		fields["request_id"] = r.RequestID
	}
	return fields
}

/*
LogFieldsFromContext combine component log tags with the caller provenance

	@param ctx context.Context - execution context
	@param base log.Fields - component log tags
	@returns new log fields
*/
func LogFieldsFromContext(ctx context.Context, base log.Fields) log.Fields {
	fields := log.Fields{}
	for k, v := range base {
		fields[k] = v
	}
	for k, v := range GetRequestContext(ctx).LogFields() {
		fields[k] = v
	}
	return fields
}
