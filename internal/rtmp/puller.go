package rtmp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	flv "github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/stream"
	"github.com/synctv-org/synctv/internal/synctverr"
)

const (
	pullConnectTimeout = 10 * time.Second
)

// HTTPFLVPuller implements stream.SourcePuller for HTTP-FLV sources. The
// external publish manager uses it to mirror foreign streams into the
// local hub.
type HTTPFLVPuller struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPFLVPuller builds the puller with a connect timeout; the body read
// itself is unbounded and governed by ctx.
func NewHTTPFLVPuller(logger *zap.Logger) *HTTPFLVPuller {
	transport := &http.Transport{ResponseHeaderTimeout: pullConnectTimeout}
	return &HTTPFLVPuller{
		client: &http.Client{Transport: transport},
		logger: logger.With(zap.String("component", "httpflv_puller")),
	}
}

// Pull implements stream.SourcePuller.
func (p *HTTPFLVPuller) Pull(ctx context.Context, sourceURL string, sink stream.FrameSink) error {
	if !strings.HasPrefix(sourceURL, "http://") && !strings.HasPrefix(sourceURL, "https://") {
		return &synctverr.InvalidInputError{Field: "source_url", Reason: "only http(s) FLV sources are supported"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build pull request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source returned %s", resp.Status)
	}

	dec, err := flv.NewDecoder(resp.Body)
	if err != nil {
		return fmt.Errorf("read flv header: %w", err)
	}

	var tag flvtag.FlvTag
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := dec.Decode(&tag); err != nil {
			return fmt.Errorf("decode flv tag: %w", err)
		}
		frame, ok := frameFromTag(&tag)
		if ok {
			sink.WriteFrame(frame)
		}
		tag.Close()
	}
}

// frameFromTag re-encodes a decoded tag body back into the on-wire tag
// payload the hub carries.
func frameFromTag(tag *flvtag.FlvTag) (stream.Frame, bool) {
	var buf bytes.Buffer
	switch data := tag.Data.(type) {
	case *flvtag.AudioData:
		if err := flvtag.EncodeAudioData(&buf, data); err != nil {
			return stream.Frame{}, false
		}
		return stream.Frame{
			Kind:        stream.FrameAudio,
			TimestampMS: tag.Timestamp,
			SequenceHeader: data.SoundFormat == flvtag.SoundFormatAAC &&
				data.AACPacketType == flvtag.AACPacketTypeSequenceHeader,
			Data: buf.Bytes(),
		}, true
	case *flvtag.VideoData:
		if err := flvtag.EncodeVideoData(&buf, data); err != nil {
			return stream.Frame{}, false
		}
		return stream.Frame{
			Kind:           stream.FrameVideo,
			TimestampMS:    tag.Timestamp,
			Keyframe:       data.FrameType == flvtag.FrameTypeKeyFrame,
			SequenceHeader: data.AVCPacketType == flvtag.AVCPacketTypeSequenceHeader,
			Data:           buf.Bytes(),
		}, true
	case *flvtag.ScriptData:
		if err := flvtag.EncodeScriptData(&buf, data); err != nil {
			return stream.Frame{}, false
		}
		return stream.Frame{
			Kind:        stream.FrameMetadata,
			TimestampMS: tag.Timestamp,
			Data:        buf.Bytes(),
		}, true
	default:
		return stream.Frame{}, false
	}
}
