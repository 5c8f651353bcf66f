package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"hempdb/imagegen/internal/imagestore"
)

// GenerateMethod is the sidecar RPC. Requests and responses are
// google.protobuf.Struct messages so no generated stubs are needed.
const GenerateMethod = "/imagegen.v1.ImageGenerator/Generate"

// GRPC calls a self-hosted generation sidecar (e.g. a diffusion server).
// The response carries either base64 image bytes or a URL to fetch.
type GRPC struct {
	conn         *grpc.ClientConn
	model        string
	costPerImage float64
	timeout      time.Duration
	uploader     imagestore.Uploader
}

type GRPCOptions struct {
	Model        string
	CostPerImage float64
	Timeout      time.Duration
}

// NewGRPC creates the client connection. The connection is lazy; dial
// errors surface on the first call.
func NewGRPC(addr string, opts GRPCOptions, uploader imagestore.Uploader, dialOpts ...grpc.DialOption) (*GRPC, error) {
	dialOpts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOpts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to image sidecar at %s: %w", addr, err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &GRPC{
		conn:         conn,
		model:        opts.Model,
		costPerImage: opts.CostPerImage,
		timeout:      opts.Timeout,
		uploader:     uploader,
	}, nil
}

func (g *GRPC) Name() string { return NameGRPC }

func (g *GRPC) Close() error { return g.conn.Close() }

func (g *GRPC) Generate(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	in, err := structpb.NewStruct(map[string]interface{}{
		"model":           g.model,
		"prompt":          req.Prompt,
		"negative_prompt": req.NegativePrompt,
		"style_preset":    req.StylePreset,
		"subject":         req.Subject.String(),
	})
	if err != nil {
		return nil, &ProviderError{Provider: NameGRPC, Message: "encode request: " + err.Error(), Permanent: true}
	}

	start := time.Now()
	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, GenerateMethod, in, out); err != nil {
		pe := newProviderError(NameGRPC, err)
		if st, ok := status.FromError(err); ok {
			pe.Message = st.Message()
			pe.Permanent = st.Code() == codes.InvalidArgument || st.Code() == codes.FailedPrecondition
		}
		return nil, pe
	}
	elapsed := time.Since(start)

	fields := out.GetFields()
	cost := g.costPerImage
	if v, ok := fields["cost"]; ok {
		cost = v.GetNumberValue()
	}

	var data []byte
	contentType := fields["content_type"].GetStringValue()
	switch {
	case fields["image_base64"].GetStringValue() != "":
		data, err = base64.StdEncoding.DecodeString(fields["image_base64"].GetStringValue())
		if err != nil {
			return nil, &ProviderError{Provider: NameGRPC, Message: "malformed image payload: " + err.Error()}
		}
	case fields["image_url"].GetStringValue() != "":
		data, contentType, err = imagestore.Fetch(ctx, nil, fields["image_url"].GetStringValue())
		if err != nil {
			return nil, &StorageError{Provider: NameGRPC, Cost: cost, Err: err}
		}
	default:
		return nil, &ProviderError{Provider: NameGRPC, Message: "response contained no image"}
	}
	if contentType == "" {
		contentType = "image/png"
	}

	loc, err := g.uploader.Upload(ctx, imagestore.ObjectKey(req.Subject, NameGRPC, req.WorkItemID, contentType), data, contentType)
	if err != nil {
		return nil, &StorageError{Provider: NameGRPC, Cost: cost, Err: err}
	}
	return &Result{ImageLocation: loc, Cost: cost, GenerationTime: elapsed}, nil
}
