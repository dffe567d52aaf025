package shared

import (
	"errors"
	"net/rpc"

	"ml-workbench/internal/inference"
)

const (
	codeNotImplemented = "not_implemented"
	codeInvalidInput   = "invalid_input"
)

type TransformArgs struct {
	Body        []byte
	ContentType string
	Accept      string
}

type TransformReply struct {
	Body []byte
	// Code carries sentinel errors, which net/rpc would otherwise flatten to strings.
	Code    string
	Message string
}

type RPCClient struct{ client *rpc.Client }

func (m *RPCClient) Transform(body []byte, contentType, accept string) ([]byte, error) {
	var reply TransformReply
	err := m.client.Call("Plugin.Transform", &TransformArgs{Body: body, ContentType: contentType, Accept: accept}, &reply)
	if err != nil {
		return nil, err
	}

	switch reply.Code {
	case "":
		return reply.Body, nil
	case codeNotImplemented:
		return nil, inference.ErrNotImplemented
	case codeInvalidInput:
		return nil, errors.Join(inference.ErrInvalidInput, errors.New(reply.Message))
	default:
		return nil, errors.New(reply.Message)
	}
}

type RPCServer struct {
	Impl Transformer
}

func (m *RPCServer) Transform(args *TransformArgs, reply *TransformReply) error {
	body, err := m.Impl.Transform(args.Body, args.ContentType, args.Accept)
	switch {
	case err == nil:
		reply.Body = body
	case errors.Is(err, inference.ErrNotImplemented):
		reply.Code = codeNotImplemented
	case errors.Is(err, inference.ErrInvalidInput):
		reply.Code, reply.Message = codeInvalidInput, err.Error()
	default:
		return err
	}
	return nil
}
