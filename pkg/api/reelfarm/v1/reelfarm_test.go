package reelfarmv1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

func TestEncodeDecodeTaskRecord(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := types.TaskRecord{
		ID:        "abc",
		Type:      types.TaskVideoEncode,
		Priority:  types.PriorityHigh,
		Status:    types.StatusRunning,
		Class:     types.ClassGPU,
		Attempts:  1,
		CreatedAt: started,
		StartedAt: &started,
		Progress:  12.5,
		Payload: types.EncodeJob{
			JobSpec: types.JobSpec{Command: []string{"ffmpeg", "-i", "{in:0}", "{out}"}, Inputs: []string{"https://x/a.mp4"}, GPUMemoryMB: 2048},
			Codec:   "h264_nvenc",
		},
		Result: &types.TaskResult{Duration: 1500 * time.Millisecond, OutputPath: "/tmp/o.mp4"},
	}

	s, err := Encode(ListResponse{Tasks: []types.TaskRecord{rec}})
	require.NoError(t, err)

	var got ListResponse
	require.NoError(t, Decode(s, &got))
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, rec.ID, got.Tasks[0].ID)
	assert.Equal(t, rec.Priority, got.Tasks[0].Priority)
	assert.True(t, rec.StartedAt.Equal(*got.Tasks[0].StartedAt))
	assert.Equal(t, rec.Payload, got.Tasks[0].Payload)
	assert.Equal(t, 1500*time.Millisecond, got.Tasks[0].Result.Duration)
}

func TestEncodeKeepsLargeIntegers(t *testing.T) {
	s, err := Encode(UploadResponse{Key: "k", Bytes: 5 * types.GiB})
	require.NoError(t, err)
	var got UploadResponse
	require.NoError(t, Decode(s, &got))
	assert.Equal(t, 5*types.GiB, got.Bytes)
}

func TestEncodeSubmitPayload(t *testing.T) {
	req := SubmitRequest{Type: "audio_process", Payload: json.RawMessage(`{"command":["sox","a","b"]}`)}
	s, err := Encode(req)
	require.NoError(t, err)

	var got SubmitRequest
	require.NoError(t, Decode(s, &got))
	p, err := types.DecodePayload(types.TaskAudioProcess, got.Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"sox", "a", "b"}, p.Spec().Command)
}

func TestEncodeRejectsNonObjects(t *testing.T) {
	_, err := Encode([]int{1, 2})
	assert.Error(t, err)
}

func TestDecodeNil(t *testing.T) {
	v := TaskRequest{ID: "keep"}
	require.NoError(t, Decode(nil, &v))
	assert.Equal(t, "keep", v.ID)
}

type stubServer struct {
	UnimplementedRenderFarmServer
}

func (stubServer) Submit(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return Encode(SubmitResponse{ID: "task-" + req.Type})
}

func (stubServer) Watch(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var req WatchRequest
	if err := Decode(in, &req); err != nil {
		return err
	}
	for _, st := range []types.Status{types.StatusPending, types.StatusRunning, types.StatusCompleted} {
		msg, err := Encode(types.TaskRecord{ID: req.ID, Status: st})
		if err != nil {
			return err
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func dial(t *testing.T, srv RenderFarmServer, opts ...grpc.ServerOption) RenderFarmClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(opts...)
	RegisterRenderFarmServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewRenderFarmClient(conn)
}

func TestUnaryRoundTrip(t *testing.T) {
	c := dial(t, stubServer{})
	in, err := Encode(SubmitRequest{Type: "video_encode", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	out, err := c.Submit(context.Background(), in)
	require.NoError(t, err)
	var resp SubmitResponse
	require.NoError(t, Decode(out, &resp))
	assert.Equal(t, "task-video_encode", resp.ID)
}

func TestUnimplementedMethods(t *testing.T) {
	c := dial(t, stubServer{})
	empty, _ := Encode(Empty{})

	_, err := c.Status(context.Background(), empty)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
	_, err = c.Shutdown(context.Background(), empty)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestInterceptorSeesFullMethod(t *testing.T) {
	var seen string
	intercept := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seen = info.FullMethod
		return handler(ctx, req)
	}
	c := dial(t, stubServer{}, grpc.UnaryInterceptor(intercept))

	in, _ := Encode(SubmitRequest{Type: "x", Payload: json.RawMessage(`{}`)})
	_, err := c.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, RenderFarm_Submit_FullMethodName, seen)
}

func TestWatchStream(t *testing.T) {
	c := dial(t, stubServer{})
	in, _ := Encode(WatchRequest{ID: "t1"})

	stream, err := c.Watch(context.Background(), in)
	require.NoError(t, err)

	var got []types.Status
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var rec types.TaskRecord
		require.NoError(t, Decode(msg, &rec))
		assert.Equal(t, "t1", rec.ID)
		got = append(got, rec.Status)
	}
	assert.Equal(t, []types.Status{types.StatusPending, types.StatusRunning, types.StatusCompleted}, got)
}
