package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"google.golang.org/genai"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"hempdb/imagegen/config"
	"hempdb/imagegen/models"
)

type fakeProvider struct{ name string }

func (f fakeProvider) Name() string { return f.name }
func (f fakeProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	return &Result{ImageLocation: "mem://" + f.name}, nil
}

type memUploader struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func (m *memUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string][]byte{}
	}
	m.files[key] = data
	return "https://cdn.example/" + key, nil
}

func sampleRequest() Request {
	return Request{
		WorkItemID:      uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Subject:         models.SubjectKey{Kind: models.SubjectProduct, ID: "42"},
		SubjectName:     "Hemp Seed Oil",
		SubjectCategory: "food",
		Prompt:          "a bottle of hemp seed oil",
		NegativePrompt:  "text, watermark",
		StylePreset:     "studio",
	}
}

func TestSelectPolicy(t *testing.T) {
	reg := NewRegistry(NewPlaceholder())

	if p, warn := reg.Select(""); p.Name() != NamePlaceholder || warn != nil {
		t.Fatalf("empty registry should fall back to placeholder, got %s %v", p.Name(), warn)
	}

	reg.Register(fakeProvider{name: NameArk}, 80, 0.03)
	reg.Register(fakeProvider{name: NameGemini}, 90, 0.04)
	reg.MarkUnavailable(NameGRPC, 99, "missing address")

	if p, _ := reg.Select(""); p.Name() != NameGemini {
		t.Fatalf("expected highest quality available provider, got %s", p.Name())
	}
	if p, warn := reg.Select(NameArk); p.Name() != NameArk || warn != nil {
		t.Fatalf("expected requested provider, got %s %v", p.Name(), warn)
	}

	p, warn := reg.Select(NameGRPC)
	if p.Name() != NamePlaceholder || warn == nil {
		t.Fatalf("expected placeholder fallback with warning, got %s %v", p.Name(), warn)
	}
	if !strings.Contains(warn.Error(), "missing address") {
		t.Fatalf("warning should carry the reason: %v", warn)
	}
	if _, warn := reg.Select("dalle"); warn == nil || warn.Reason != "not configured" {
		t.Fatalf("unknown provider should warn, got %v", warn)
	}

	want := []string{NameGemini, NameArk, NamePlaceholder}
	got := reg.Available()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPlaceholderIsDeterministic(t *testing.T) {
	p := NewPlaceholder()
	req := sampleRequest()

	a, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := p.Generate(context.Background(), req)
	if a.ImageLocation != b.ImageLocation {
		t.Fatalf("placeholder not stable: %s vs %s", a.ImageLocation, b.ImageLocation)
	}
	if a.Cost != 0 {
		t.Fatalf("placeholder must be free, got %v", a.Cost)
	}
	if !IsPlaceholderLocation(a.ImageLocation) || !strings.Contains(a.ImageLocation, "text=Hemp+Seed+Oil") {
		t.Fatalf("unexpected placeholder url %s", a.ImageLocation)
	}
}

type fakeArk struct {
	url string
	err error
	got model.GenerateImagesRequest
}

func (f *fakeArk) GenerateImage(ctx context.Context, req model.GenerateImagesRequest) (string, error) {
	f.got = req
	return f.url, f.err
}

func TestArkPersistsVendorImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	api := &fakeArk{url: srv.URL + "/tmp/abc.jpeg"}
	up := &memUploader{}
	ark := NewArkWithAPI(api, ArkOptions{Model: "seedream", CostPerImage: 0.03, Timeout: 5 * time.Second}, up)

	res, err := ark.Generate(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.HasPrefix(res.ImageLocation, srv.URL) {
		t.Fatalf("vendor url must not be returned: %s", res.ImageLocation)
	}
	if !strings.HasPrefix(res.ImageLocation, "https://cdn.example/product/42/ark-") || !strings.HasSuffix(res.ImageLocation, ".jpg") {
		t.Fatalf("unexpected location %s", res.ImageLocation)
	}
	if res.Cost != 0.03 {
		t.Fatalf("expected cost 0.03, got %v", res.Cost)
	}
	if !strings.Contains(api.got.Prompt, "Avoid: text, watermark.") || !strings.Contains(api.got.Prompt, "Style: studio.") {
		t.Fatalf("prompt not composed: %q", api.got.Prompt)
	}
}

func TestArkUploadFailureIsStorageErrorWithCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	up := &memUploader{err: errors.New("bucket full")}
	ark := NewArkWithAPI(&fakeArk{url: srv.URL}, ArkOptions{CostPerImage: 0.03}, up)

	_, err := ark.Generate(context.Background(), sampleRequest())
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if CostOf(err) != 0.03 {
		t.Fatalf("expected incurred cost, got %v", CostOf(err))
	}
}

func TestArkVendorErrorIsProviderError(t *testing.T) {
	api := &fakeArk{err: &ProviderError{Provider: NameArk, Message: "InvalidParameter - prompt rejected", Permanent: true}}
	ark := NewArkWithAPI(api, ArkOptions{}, &memUploader{})

	_, err := ark.Generate(context.Background(), sampleRequest())
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Permanent {
		t.Fatalf("expected permanent ProviderError, got %v", err)
	}
	if CostOf(err) != 0 {
		t.Fatalf("provider errors carry no cost")
	}
}

type fakeGemini struct {
	resp *genai.GenerateImagesResponse
	err  error
}

func (f *fakeGemini) GenerateImages(ctx context.Context, model, prompt string, cfg *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error) {
	return f.resp, f.err
}

func TestGemini(t *testing.T) {
	up := &memUploader{}
	ok := &fakeGemini{resp: &genai.GenerateImagesResponse{GeneratedImages: []*genai.GeneratedImage{
		{Image: &genai.Image{ImageBytes: []byte("png-bytes"), MIMEType: "image/png"}},
	}}}
	g := NewGeminiWithAPI(ok, GeminiOptions{Model: "imagen", CostPerImage: 0.04}, up)
	res, err := g.Generate(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Cost != 0.04 || !strings.HasSuffix(res.ImageLocation, ".png") {
		t.Fatalf("unexpected result %+v", res)
	}

	filtered := &fakeGemini{resp: &genai.GenerateImagesResponse{GeneratedImages: []*genai.GeneratedImage{
		{RAIFilteredReason: "safety"},
	}}}
	_, err = NewGeminiWithAPI(filtered, GeminiOptions{}, up).Generate(context.Background(), sampleRequest())
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Permanent || !strings.Contains(pe.Message, "safety") {
		t.Fatalf("expected filtered ProviderError, got %v", err)
	}
}

func startSidecar(t *testing.T, handler func(in *structpb.Struct) (*structpb.Struct, error)) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != GenerateMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		out, err := handler(in)
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func dialSidecar(t *testing.T, lis *bufconn.Listener, up *memUploader) *GRPC {
	t.Helper()
	g, err := NewGRPC("passthrough:///bufnet", GRPCOptions{Model: "sdxl", CostPerImage: 0.01, Timeout: 5 * time.Second}, up,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func TestGRPCSidecar(t *testing.T) {
	var gotPrompt string
	lis := startSidecar(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		gotPrompt = in.GetFields()["prompt"].GetStringValue()
		return structpb.NewStruct(map[string]interface{}{
			"image_base64": base64.StdEncoding.EncodeToString([]byte("webp-bytes")),
			"content_type": "image/webp",
			"cost":         0.002,
		})
	})
	up := &memUploader{}
	res, err := dialSidecar(t, lis, up).Generate(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gotPrompt != "a bottle of hemp seed oil" {
		t.Fatalf("sidecar got prompt %q", gotPrompt)
	}
	if res.Cost != 0.002 || !strings.HasSuffix(res.ImageLocation, ".webp") {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(up.files) != 1 {
		t.Fatalf("expected one uploaded file, got %d", len(up.files))
	}
}

func TestGRPCSidecarRejection(t *testing.T) {
	lis := startSidecar(t, func(in *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.InvalidArgument, "prompt violates content policy")
	})
	_, err := dialSidecar(t, lis, &memUploader{}).Generate(context.Background(), sampleRequest())
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Permanent || pe.Message != "prompt violates content policy" {
		t.Fatalf("expected permanent ProviderError, got %v", err)
	}
}

func TestBuildMarksMissingCredentials(t *testing.T) {
	log := logrus.New()
	reg := Build(context.Background(), []config.ProviderConfig{
		{Name: NameArk, Enabled: true, Quality: 80},
		{Name: NameGemini, Enabled: false, Quality: 90, APIKey: "k"},
	}, &memUploader{}, log)

	if got := reg.Available(); len(got) != 1 || got[0] != NamePlaceholder {
		t.Fatalf("only placeholder should be available, got %v", got)
	}
	_, warn := reg.Select(NameArk)
	if warn == nil || !strings.Contains(warn.Reason, "ARK_API_KEY") {
		t.Fatalf("expected credentials warning, got %v", warn)
	}
	if len(reg.Infos()) != 3 {
		t.Fatalf("expected all configured providers listed, got %+v", reg.Infos())
	}
}

func TestPermanentClassification(t *testing.T) {
	cases := []struct {
		err       error
		permanent bool
	}{
		{errors.New("timed out after 1400ms"), false},
		{errors.New("upstream returned 502, retry later"), false},
		{errors.New("unexpected status 400 from vendor"), true},
		{errors.New("400 Bad Request"), true},
		{errors.New("prompt blocked by SAFETY filter"), true},
		{&model.APIError{Code: "ServerOverloaded", Message: "busy", HTTPStatusCode: http.StatusServiceUnavailable}, false},
		{&model.APIError{Code: "BadArgument", Message: "size", HTTPStatusCode: http.StatusBadRequest}, true},
		{&model.RequestError{HTTPStatusCode: http.StatusGatewayTimeout, Err: errors.New("read after 1400ms")}, false},
		{genai.APIError{Code: http.StatusBadRequest, Message: "bad size", Status: "FAILED"}, true},
		{genai.APIError{Code: http.StatusTooManyRequests, Message: "quota", Status: "RESOURCE_EXHAUSTED"}, false},
	}
	for _, tc := range cases {
		if got := newProviderError("ark", tc.err).Permanent; got != tc.permanent {
			t.Errorf("%v: permanent = %v, want %v", tc.err, got, tc.permanent)
		}
	}
}
