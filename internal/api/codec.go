package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/matheus3301/imcore/internal/errs"
	"github.com/mitchellh/mapstructure"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request is a decoded command argument. Validate runs once at the boundary.
type Request interface {
	Validate() error
}

// Decode converts a Struct argument into req using json field names.
// Unknown fields and fractional numbers for integer fields are rejected.
func Decode(in *structpb.Struct, req Request) error {
	var m map[string]any
	if in != nil {
		m = in.AsMap()
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           req,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       floatToIntHook(),
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return errs.Invalid("api.Decode", "%v", err)
	}
	return req.Validate()
}

func floatToIntHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.Float64 {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			f := data.(float64)
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("expected an integer, got %v", f)
			}
			return int64(f), nil
		}
		return data, nil
	}
}

// Encode converts a JSON-serializable value into a Struct. v must encode as
// a JSON object.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return out, nil
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		switch errs.KindOf(err) {
		case errs.InvalidArgument:
			code = codes.InvalidArgument
		case errs.NotFound:
			code = codes.NotFound
		case errs.TransportFailure:
			code = codes.Unavailable
		case errs.TransportException:
			code = codes.Internal
		case errs.Conflict:
			code = codes.Aborted
		}
	}
	return grpcstatus.Error(code, err.Error())
}

type unaryFunc func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// handle adapts a typed operation into a Struct-in, Struct-out handler.
func handle[T any, P interface {
	*T
	Request
}](fn func(context.Context, P) (any, error)) unaryFunc {
	return func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		req := P(new(T))
		if err := Decode(in, req); err != nil {
			return nil, toStatus(err)
		}
		out, err := fn(ctx, req)
		if err != nil {
			return nil, toStatus(err)
		}
		reply, err := Encode(out)
		if err != nil {
			return nil, toStatus(err)
		}
		return reply, nil
	}
}

func method(service, name string, fn unaryFunc) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(ctx, req.(*structpb.Struct))
			})
		},
	}
}

// Service names on the wire.
const (
	MessageServiceName = "imcore.v1.MessageService"
	SessionServiceName = "imcore.v1.SessionService"
	PinServiceName     = "imcore.v1.PinService"
	ReceiptServiceName = "imcore.v1.ReceiptService"
	EventServiceName   = "imcore.v1.EventService"
)

// FullMethod returns the RPC path of a unary method.
func FullMethod(service, name string) string {
	return "/" + service + "/" + name
}

func serviceDesc(name string, methods map[string]unaryFunc) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: name,
		HandlerType: (*any)(nil),
		Metadata:    "imcore/v1/imcore.proto",
	}
	for n, fn := range methods {
		desc.Methods = append(desc.Methods, method(name, n, fn))
	}
	return desc
}
