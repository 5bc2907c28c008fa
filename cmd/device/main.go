// Command device is the firmware entrypoint: load configuration, derive
// device identity, wire the pipeline worker, control session, and
// front-end processor into a Device, and run it until a shutdown signal
// arrives.
//
// Low-level I2S/codec/GPIO bring-up is out of this module's scope (spec
// §1); capture and speaker I/O here are a silence-in/discard-out stand-in
// so the rest of the system can be exercised on a desktop build. A real
// board port supplies its own pipeline.CaptureSource/SpeakerSink.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tonypk/hitony-firmware/internal/codec"
	"github.com/tonypk/hitony-firmware/internal/config"
	"github.com/tonypk/hitony-firmware/internal/deviceid"
	"github.com/tonypk/hitony-firmware/internal/device"
	"github.com/tonypk/hitony-firmware/internal/frontend"
	"github.com/tonypk/hitony-firmware/internal/metrics"
	"github.com/tonypk/hitony-firmware/internal/pipeline"
	"github.com/tonypk/hitony-firmware/internal/pool"
	"github.com/tonypk/hitony-firmware/internal/session"
	"github.com/tonypk/hitony-firmware/internal/transport"
)

func main() {
	yamlPath := flag.String("config", "device.yaml", "path to the device profile overlay (optional)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*yamlPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	identity, err := deviceid.Derive(deviceid.SystemMAC{})
	if err != nil {
		log.Fatal("derive device identity", zap.Error(err))
	}
	log.Info("device identity", zap.String("device_id", identity.DeviceID))

	alloc := pool.New(cfg.Pool)
	mcol := metrics.New("hitony")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Warn("metrics server exited", zap.Error(err))
		}
	}()

	fe := frontend.New(cfg.Frontend)

	enc, err := codec.NewEncoder(cfg.Frontend.SampleRate, cfg.CodecFrameSamples)
	if err != nil {
		log.Fatal("new encoder", zap.Error(err))
	}
	dec, err := codec.NewDecoder(cfg.Frontend.SampleRate, cfg.DownlinkFrameSamples)
	if err != nil {
		log.Fatal("new decoder", zap.Error(err))
	}

	pcfg := pipeline.DefaultConfig()
	pcfg.SampleRate = cfg.Frontend.SampleRate
	pcfg.CodecFrameSamples = cfg.CodecFrameSamples
	pcfg.UplinkGain = cfg.UplinkGain

	pipe := pipeline.New(pcfg, silentCapture{frameSamples: pcfg.MicFrameSamples}, discardSpeaker{}, fe, enc, dec, alloc, log)
	pipe.SetMetrics(mcol)

	trans := transport.New(transport.DefaultConfig(cfg.ServerURL, identity.DeviceID, identity.Token), alloc, log)
	trans.SetMetrics(mcol)

	scfg := session.DefaultConfig(identity.DeviceID, cfg.FirmwareVersion)
	scfg.RecordingHardCap = cfg.RecordingHardCap
	sess := session.New(scfg, trans, pipe, alloc, nil, nil, nil, nil, log)
	sess.SetMetrics(mcol)

	d := device.New(pipe, sess, fe, alloc, trans, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		log.Fatal("device run", zap.Error(err))
	}
	log.Info("device shut down cleanly")
}

// silentCapture stands in for the I2S microphone DMA read until a board
// port supplies a real pipeline.CaptureSource.
type silentCapture struct {
	frameSamples int
}

func (s silentCapture) ReadFrame(ctx context.Context, out []int16) (int, error) {
	for i := range out {
		out[i] = 0
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	return len(out), nil
}

// discardSpeaker stands in for the I2S speaker DMA write.
type discardSpeaker struct{}

func (discardSpeaker) Write(pcm []int16) error { return nil }
