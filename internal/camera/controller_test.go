package camera

import (
	"context"
	"errors"
	"testing"
	"time"

	"satsuei/internal/apperr"
)

func twoDevices() []CaptureDevice {
	return []CaptureDevice{
		{ID: "cam-back", Label: "Back Camera", Facing: FacingBack},
		{ID: "cam-front", Label: "Front Camera", Facing: FacingFront},
	}
}

func newTestController(t *testing.T, devices []CaptureDevice) (*Controller, *MockPlatform) {
	t.Helper()
	platform := NewMockPlatform(devices)
	catalog := NewCatalog(platform, nil)
	if _, err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	ctrl := NewController(NewStreamHandle(platform, nil), catalog, Resolution{Width: 1280, Height: 720}, nil)
	return ctrl, platform
}

func TestController_StartRecordsGrantedFacing(t *testing.T) {
	ctrl, platform := newTestController(t, twoDevices())

	stream, err := ctrl.Start(context.Background(), FacingFront)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if stream.Device.ID != "cam-front" {
		t.Errorf("Expected cam-front, got %s", stream.Device.ID)
	}
	if ctrl.Facing() != FacingFront {
		t.Errorf("Expected facing front, got %s", ctrl.Facing())
	}
	if ctrl.Active() != stream {
		t.Error("Expected started stream to be active")
	}

	calls := platform.Calls()
	if len(calls) != 1 || calls[0].Width != 1280 || calls[0].Height != 720 {
		t.Errorf("Expected one call with full constraints, got %+v", calls)
	}
}

func TestController_StartSubstitutesFacing(t *testing.T) {
	// 背面カメラのみの環境で前面を要求すると背面で代替される
	ctrl, _ := newTestController(t, []CaptureDevice{{ID: "only", Label: "Rear Camera", Facing: FacingBack}})

	if _, err := ctrl.Start(context.Background(), FacingFront); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if ctrl.Facing() != FacingBack {
		t.Errorf("Expected granted facing back, got %s", ctrl.Facing())
	}
}

func TestController_AtMostOneActiveStream(t *testing.T) {
	ctrl, platform := newTestController(t, twoDevices())
	ctx := context.Background()

	for i, facing := range []Facing{FacingBack, FacingFront, FacingBack, FacingFront} {
		if _, err := ctrl.Start(ctx, facing); err != nil {
			t.Fatalf("Start #%d failed: %v", i, err)
		}
		if alive := platform.AliveStreams(); alive != 1 {
			t.Fatalf("Expected 1 alive stream after start #%d, got %d", i, alive)
		}
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if alive := platform.AliveStreams(); alive != 0 {
		t.Errorf("Expected 0 alive streams after stop, got %d", alive)
	}

	// 停止済みでもエラーにならない
	if err := ctrl.Stop(); err != nil {
		t.Errorf("Second Stop returned error: %v", err)
	}
}

func TestController_ConstraintFallbackRetriesOnce(t *testing.T) {
	ctrl, platform := newTestController(t, twoDevices())
	platform.FailNext(apperr.New(apperr.KindConstraintUnsatisfiable, "acquire", "unsupported size"))

	stream, err := ctrl.Start(context.Background(), FacingBack)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if stream == nil {
		t.Fatal("Expected stream")
	}

	calls := platform.Calls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 acquisition attempts, got %d", len(calls))
	}
	if calls[1].HasResolution() {
		t.Errorf("Expected retry without resolution, got %+v", calls[1])
	}
	if calls[1].Facing != FacingBack {
		t.Errorf("Expected retry to keep facing back, got %s", calls[1].Facing)
	}
}

func TestController_ConstraintFallbackSurfacesFinalError(t *testing.T) {
	ctrl, platform := newTestController(t, twoDevices())
	platform.FailNext(
		apperr.New(apperr.KindConstraintUnsatisfiable, "acquire", "unsupported size"),
		apperr.New(apperr.KindDeviceNotFound, "acquire", "gone"),
	)

	_, err := ctrl.Start(context.Background(), FacingBack)
	if !errors.Is(err, apperr.ErrDeviceNotFound) {
		t.Fatalf("Expected final DeviceNotFound, got %v", err)
	}
	if len(platform.Calls()) != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", len(platform.Calls()))
	}
	if ctrl.Active() != nil {
		t.Error("Expected no active stream after failure")
	}
}

func TestController_PermissionDeniedIsNotRetried(t *testing.T) {
	ctrl, platform := newTestController(t, twoDevices())
	platform.FailNext(apperr.New(apperr.KindPermissionDenied, "acquire", "denied"))

	_, err := ctrl.Start(context.Background(), FacingBack)
	if !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Fatalf("Expected PermissionDenied, got %v", err)
	}
	if len(platform.Calls()) != 1 {
		t.Errorf("Expected 1 attempt, got %d", len(platform.Calls()))
	}
}

func TestController_ToggleFlipsFacing(t *testing.T) {
	ctrl, platform := newTestController(t, twoDevices())
	ctx := context.Background()

	if _, err := ctrl.Start(ctx, FacingBack); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream, err := ctrl.Toggle(ctx)
	if err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	if stream.Facing() != FacingFront {
		t.Errorf("Expected front after toggle, got %s", stream.Facing())
	}
	if alive := platform.AliveStreams(); alive != 1 {
		t.Errorf("Expected 1 alive stream after toggle, got %d", alive)
	}
}

func TestController_ToggleAlternatesDevices(t *testing.T) {
	tests := []struct {
		name        string
		devices     []CaptureDevice
		wantFacings []Facing
		wantDevices []string
	}{
		{
			name: "facing_not_reported",
			devices: []CaptureDevice{
				{ID: "video0", Label: "HD Webcam", Facing: FacingUnknown},
				{ID: "video1", Label: "USB Camera", Facing: FacingUnknown},
			},
			wantFacings: []Facing{FacingBack, FacingFront, FacingBack, FacingFront},
			wantDevices: []string{"video0", "video1", "video0", "video1"},
		},
		{
			name: "one_back_one_unknown",
			devices: []CaptureDevice{
				{ID: "cam-back", Label: "Back Camera", Facing: FacingBack},
				{ID: "video1", Label: "USB Camera", Facing: FacingUnknown},
			},
			wantFacings: []Facing{FacingBack, FacingFront, FacingBack, FacingFront},
			wantDevices: []string{"cam-back", "video1", "cam-back", "video1"},
		},
		{
			name:        "front_and_back",
			devices:     twoDevices(),
			wantFacings: []Facing{FacingBack, FacingFront, FacingBack, FacingFront},
			wantDevices: []string{"cam-back", "cam-front", "cam-back", "cam-front"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, platform := newTestController(t, tt.devices)
			ctx := context.Background()

			stream, err := ctrl.Start(ctx, FacingBack)
			if err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			got := []string{stream.Device.ID}
			for i := 0; i < 3; i++ {
				stream, err = ctrl.Toggle(ctx)
				if err != nil {
					t.Fatalf("Toggle %d failed: %v", i+1, err)
				}
				got = append(got, stream.Device.ID)
			}

			for i, want := range tt.wantDevices {
				if got[i] != want {
					t.Errorf("step %d: expected device %s, got %s (all: %v)", i, want, got[i], got)
				}
			}
			calls := platform.Calls()
			if len(calls) != len(tt.wantFacings) {
				t.Fatalf("Expected %d calls, got %d", len(tt.wantFacings), len(calls))
			}
			for i, want := range tt.wantFacings {
				if calls[i].Facing != want {
					t.Errorf("step %d: expected requested facing %s, got %s", i, want, calls[i].Facing)
				}
			}
			if ctrl.Preference() != FacingFront {
				t.Errorf("Expected preference front, got %s", ctrl.Preference())
			}
			if alive := platform.AliveStreams(); alive != 1 {
				t.Errorf("Expected 1 alive stream, got %d", alive)
			}
		})
	}
}

func TestController_ToggleRequiresTwoDevices(t *testing.T) {
	ctrl, _ := newTestController(t, []CaptureDevice{{ID: "only", Label: "Camera", Facing: FacingUnknown}})
	ctx := context.Background()

	first, err := ctrl.Start(ctx, FacingBack)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = ctrl.Toggle(ctx)
	if !errors.Is(err, apperr.ErrInsufficientDevices) {
		t.Fatalf("Expected InsufficientDevices, got %v", err)
	}
	if ctrl.Active() != first || first.Stopped() {
		t.Error("Expected the original stream to stay active")
	}
}

func TestController_ConcurrentStartIsBusy(t *testing.T) {
	ctrl, platform := newTestController(t, twoDevices())
	platform.Block()

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Start(context.Background(), FacingBack)
		errCh <- err
	}()

	// 1つ目の開始処理が進行中になるまで待つ
	deadline := time.Now().Add(time.Second)
	for !ctrl.Busy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := ctrl.Toggle(context.Background()); !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("Expected Busy for toggle during start, got %v", err)
	}
	if _, err := ctrl.Start(context.Background(), FacingFront); !errors.Is(err, apperr.ErrBusy) {
		t.Errorf("Expected Busy for start during start, got %v", err)
	}

	platform.Unblock()
	if err := <-errCh; err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if alive := platform.AliveStreams(); alive != 1 {
		t.Errorf("Expected 1 alive stream, got %d", alive)
	}
}

func TestController_ReleaseOnlyClearsMatchingStream(t *testing.T) {
	ctrl, platform := newTestController(t, twoDevices())
	ctx := context.Background()

	old, err := ctrl.Start(ctx, FacingBack)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	current, err := ctrl.Start(ctx, FacingFront)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 古いストリームの解放は現在のストリームに影響しない
	if err := ctrl.Release(old); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ctrl.Active() != current {
		t.Error("Expected current stream to remain active")
	}

	if err := ctrl.Release(current); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if ctrl.Active() != nil {
		t.Error("Expected slot to be cleared")
	}
	if alive := platform.AliveStreams(); alive != 0 {
		t.Errorf("Expected 0 alive streams, got %d", alive)
	}
}
