package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/xnav-frc/xnav/config"
	"github.com/xnav-frc/xnav/logging"
	"github.com/xnav-frc/xnav/telemetry"
)

const testFieldMap = `{
	"field": {"length": 16.54, "width": 8.21},
	"tags": [{"ID": 4, "pose": {"translation": {"x": 2, "y": 0, "z": 1},
		"rotation": {"quaternion": {"W": 1, "X": 0, "Y": 0, "Z": 0}}}}]
}`

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := NewApp(&out, &errOut).Run(append([]string{"xnav"}, args...))
	return out.String(), err
}

func TestFieldMapShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "field.fmap")
	test.That(t, os.WriteFile(path, []byte(testFieldMap), 0o600), test.ShouldBeNil)

	out, err := runApp(t, "fieldmap", "show", path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "1 tags")
	test.That(t, out, test.ShouldContainSubstring, "X:2.000, Y:0.000, Z:1.000")

	_, err = runApp(t, "fieldmap", "show")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = runApp(t, "fieldmap", "show", filepath.Join(t.TempDir(), "missing.fmap"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRecordDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.pb")
	rec := telemetry.NewRecorder(path, telemetry.EncodingProtobuf, clock.NewMock())
	test.That(t, rec.PublishStatus(context.Background(), "running"), test.ShouldBeNil)
	test.That(t, rec.PublishStatus(context.Background(), "stopped"), test.ShouldBeNil)
	test.That(t, rec.Close(), test.ShouldBeNil)

	out, err := runApp(t, "record", "dump", path)
	test.That(t, err, test.ShouldBeNil)
	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	test.That(t, lines, test.ShouldHaveLength, 2)
	test.That(t, string(lines[0]), test.ShouldContainSubstring, "running")
	test.That(t, string(lines[1]), test.ShouldContainSubstring, "stopped")

	_, err = runApp(t, "record", "dump")
	test.That(t, err, test.ShouldNotBeNil)
}

func writeGray(t *testing.T, path string, shade uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, f.Close(), test.ShouldBeNil)
	}()
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
}

func TestServiceLifecycle(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	dir := t.TempDir()

	doc := config.DefaultDocument()
	network := doc[config.SectionNetwork].(map[string]any)
	network["input_port"] = 0
	network["record_file"] = filepath.Join(dir, "telemetry.jsonl")
	data, err := json.Marshal(doc)
	test.That(t, err, test.ShouldBeNil)
	cfgPath := filepath.Join(dir, "config.json")
	test.That(t, os.WriteFile(cfgPath, data, 0o600), test.ShouldBeNil)

	replayDir := filepath.Join(dir, "frames")
	test.That(t, os.Mkdir(replayDir, 0o750), test.ShouldBeNil)
	writeGray(t, filepath.Join(replayDir, "001.png"), 40)
	writeGray(t, filepath.Join(replayDir, "002.png"), 200)

	fixture := filepath.Join(dir, "fixture.json")
	test.That(t, os.WriteFile(fixture, []byte(`{"frames": [{"detections": [{"id": 3, "center": [32, 24]}]}]}`), 0o600),
		test.ShouldBeNil)

	svc, err := newService(serveOptions{
		ConfigPath:   cfgPath,
		Listen:       "127.0.0.1:0",
		GRPCListen:   "127.0.0.1:0",
		ReplayDir:    replayDir,
		ReplayFPS:    50,
		Fixture:      fixture,
		Heartbeat:    20 * time.Millisecond,
		FieldMapPath: filepath.Join(dir, "field.fmap"),
	}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc.start(context.Background()), test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		processed, _ := svc.pipeline.Counters()
		test.That(tb, processed, test.ShouldBeGreaterThanOrEqualTo, 2)
	})

	httpAddr, _ := svc.server.Addrs()
	resp, err := http.Get("http://" + httpAddr.String() + "/api/status")
	test.That(t, err, test.ShouldBeNil)
	var status map[string]any
	test.That(t, json.NewDecoder(resp.Body).Decode(&status), test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, status["status"], test.ShouldEqual, "running")
	test.That(t, status["num_targets"], test.ShouldEqual, 1.0)
	test.That(t, status["detector_available"], test.ShouldBeTrue)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, logs.FilterMessage("status").Len(), test.ShouldBeGreaterThanOrEqualTo, 1)
	})

	test.That(t, svc.close(), test.ShouldBeNil)

	recorded, err := os.ReadFile(filepath.Join(dir, "telemetry.jsonl"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(recorded), test.ShouldContainSubstring, "/XNav/")
}
