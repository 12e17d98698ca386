package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"satsuei/internal/apperr"
)

// V4L2Platform は /dev/video* と v4l2-ctl / ffmpeg を使うカメラAPI実装
//
// 前提要件:
//   - v4l-utils: カメラ名の取得に使用
//   - ffmpeg: フレームの取得に使用
//   - videoグループへの参加: デバイスアクセス権限
type V4L2Platform struct {
	fps    int
	logger *zap.Logger
}

// NewV4L2Platform は新しいV4L2Platformを作成する
func NewV4L2Platform(fps int, logger *zap.Logger) Platform {
	if fps <= 0 {
		fps = 15
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &V4L2Platform{fps: fps, logger: logger}
}

var (
	videoDevicePattern = regexp.MustCompile(`^/dev/video\d+$`)
	videoNumberPattern = regexp.MustCompile(`video(\d+)`)
)

// EnumerateDevices はカラー出力できるV4L2デバイスをデバイス番号順に返す
func (p *V4L2Platform) EnumerateDevices(ctx context.Context) ([]CaptureDevice, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDeviceEnumeration, "enumerate", fmt.Errorf("デバイスのスキャンに失敗: %w", err))
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []CaptureDevice
	denied := 0
	seenNames := make(map[string]bool)
	for _, path := range matches {
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindDeviceEnumeration, "enumerate", ctx.Err())
		default:
		}

		if !videoDevicePattern.MatchString(path) {
			continue
		}
		if err := checkDeviceAccess(path); err != nil {
			if errors.Is(err, fs.ErrPermission) {
				denied++
			}
			continue
		}
		if !p.isColorCapture(ctx, path) {
			continue
		}

		name := getV4L2DeviceName(ctx, path)
		// 同じ物理カメラの複数チャンネルは最も小さい番号のみ採用
		if name != "" {
			if seenNames[name] {
				continue
			}
			seenNames[name] = true
		} else {
			name = fmt.Sprintf("カメラ %d", extractDeviceNumber(path))
		}

		devices = append(devices, CaptureDevice{
			ID:     path,
			Label:  name,
			Facing: facingFromLabel(name),
		})
	}

	if len(devices) == 0 && denied > 0 {
		return nil, apperr.New(apperr.KindDeviceEnumeration, "enumerate", "カメラデバイスへのアクセスが拒否されました")
	}
	return devices, nil
}

// GetStream はテストキャプチャで制約を確認してからffmpegのストリームを開始する
func (p *V4L2Platform) GetStream(ctx context.Context, constraints StreamConstraints) (RawStream, error) {
	devices, err := p.EnumerateDevices(ctx)
	if err != nil {
		// 全デバイスへのアクセス拒否のみ権限エラーとして扱う
		if ctx.Err() == nil && apperr.IsKind(err, apperr.KindDeviceEnumeration) {
			return nil, apperr.Wrap(apperr.KindPermissionDenied, "acquire", err)
		}
		return nil, apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", err)
	}
	device, ok := selectDevice(devices, constraints)
	if !ok {
		return nil, apperr.New(apperr.KindDeviceNotFound, "acquire", "カメラデバイスが見つかりません")
	}
	if err := checkDeviceAccess(device.ID); err != nil {
		return nil, classifyDeviceAccessError(err)
	}

	// 制約を満たせるかをテストキャプチャで確認
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, stderr, err := runFFmpeg(testCtx, ffmpegArgs(device.ID, constraints, 0, true)); err != nil {
		return nil, classifyFFmpegError(err, stderr, constraints)
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	stream := &v4l2Stream{
		device: device,
		cancel: streamCancel,
		done:   make(chan struct{}),
	}
	stream.track = &v4l2Track{id: device.ID, stream: stream}

	cmd := exec.CommandContext(streamCtx, "ffmpeg", ffmpegArgs(device.ID, constraints, p.fps, false)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		streamCancel()
		return nil, apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", fmt.Errorf("stdoutパイプの作成に失敗: %w", err))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		streamCancel()
		return nil, apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", fmt.Errorf("ffmpegの起動に失敗: %w", err))
	}

	go func() {
		defer close(stream.done)
		stream.readFrames(stdout)
		// コンテキストキャンセル時のエラーは無視
		if err := cmd.Wait(); err != nil && streamCtx.Err() == nil {
			p.logger.Warn("ffmpegが終了しました",
				zap.String("device", device.ID),
				zap.String("stderr", lastLine(stderr.String())),
				zap.Error(err))
		}
	}()

	return stream, nil
}

// isColorCapture はYUYVまたはMJPGを出力できるデバイスかを判定する
func (p *V4L2Platform) isColorCapture(ctx context.Context, device string) bool {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return hasColorFormat(string(output))
}

// hasColorFormat はフォーマット一覧にカラー形式が含まれるかを返す
func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}

// checkDeviceAccess はデバイスファイルを読み取り用に開けるか確認する
func checkDeviceAccess(device string) error {
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	return file.Close()
}

func classifyDeviceAccessError(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return apperr.Wrap(apperr.KindPermissionDenied, "acquire", err)
	case errors.Is(err, fs.ErrNotExist):
		return apperr.Wrap(apperr.KindDeviceNotFound, "acquire", err)
	default:
		return apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", err)
	}
}

// classifyFFmpegError はffmpegの標準エラー出力から失敗を分類する
func classifyFFmpegError(err error, stderr string, constraints StreamConstraints) error {
	wrapped := fmt.Errorf("テストキャプチャに失敗: %w (stderr: %s)", err, lastLine(stderr))
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "permission denied"):
		return apperr.Wrap(apperr.KindPermissionDenied, "acquire", wrapped)
	case strings.Contains(s, "no such file or directory"), strings.Contains(s, "no such device"):
		return apperr.Wrap(apperr.KindDeviceNotFound, "acquire", wrapped)
	case constraints.HasResolution() && (strings.Contains(s, "invalid argument") ||
		strings.Contains(s, "could not set video options") ||
		strings.Contains(s, "video_size")):
		return apperr.Wrap(apperr.KindConstraintUnsatisfiable, "acquire", wrapped)
	default:
		return apperr.Wrap(apperr.KindUnknownAcquisition, "acquire", wrapped)
	}
}

// ffmpegArgs はffmpegの引数を組み立てる。single が真なら1フレームのみ取得する
func ffmpegArgs(device string, constraints StreamConstraints, fps int, single bool) []string {
	args := []string{"-f", "v4l2"}
	if constraints.Width > 0 && constraints.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", constraints.Width, constraints.Height))
	}
	if fps > 0 {
		args = append(args, "-r", strconv.Itoa(fps))
	}
	args = append(args, "-i", device)
	if single {
		return append(args, "-vframes", "1", "-f", "image2", "-c:v", "mjpeg", "-")
	}
	return append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-")
}

func runFFmpeg(ctx context.Context, args []string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.String(), err
}

// getV4L2DeviceName はv4l2-ctlを使って実際のデバイス名を取得する
func getV4L2DeviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}
	return parseCardType(string(output))
}

// parseCardType は "Card type" の行からカメラ名を抽出する
func parseCardType(info string) string {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

// nextJPEG はバッファ先頭側から完全なJPEGフレームを1つ切り出す
//
// 戻り値は (フレーム, 残りのデータ, 見つかったか)。
func nextJPEG(data []byte) ([]byte, []byte, bool) {
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start == -1 {
		return nil, nil, false
	}
	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		// 完全なフレームがまだない
		return nil, data[start:], false
	}
	end += start + 2 + 2
	frame := make([]byte, end-start)
	copy(frame, data[start:end])
	return frame, data[end:], true
}

type v4l2Stream struct {
	device CaptureDevice
	track  *v4l2Track
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	latest []byte
}

func (s *v4l2Stream) Tracks() []Track {
	return []Track{s.track}
}

// LatestFrame は最新のJPEGフレームをデコードして返す
func (s *v4l2Stream) LatestFrame() (image.Image, bool) {
	s.mu.RLock()
	data := s.latest
	s.mu.RUnlock()
	if data == nil {
		return nil, false
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	return img, true
}

func (s *v4l2Stream) Device() CaptureDevice {
	return s.device
}

// readFrames はffmpegの出力からJPEGマーカーでフレームを分割する
func (s *v4l2Stream) readFrames(r io.Reader) {
	buffer := make([]byte, 1024*1024)
	var pending []byte
	for {
		n, err := r.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
			for {
				frame, rest, ok := nextJPEG(pending)
				if !ok {
					if rest != nil {
						pending = append(pending[:0], rest...)
					}
					break
				}
				s.mu.Lock()
				s.latest = frame
				s.mu.Unlock()
				pending = append(pending[:0], rest...)
			}
		}
		if err != nil {
			s.mu.Lock()
			s.latest = nil
			s.mu.Unlock()
			return
		}
	}
}

type v4l2Track struct {
	id     string
	stream *v4l2Stream
	once   sync.Once
}

func (t *v4l2Track) ID() string {
	return t.id
}

// Stop はffmpegを終了させ、読み取りゴルーチンの終了を待つ
func (t *v4l2Track) Stop() error {
	t.once.Do(func() {
		t.stream.cancel()
		select {
		case <-t.stream.done:
		case <-time.After(5 * time.Second):
		}
	})
	return nil
}
