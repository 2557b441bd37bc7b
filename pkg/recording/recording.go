// Package recording captures the RTP of selected calls into per-call
// pcap files. Packets arrive as raw RTP from the media layer and are
// wrapped into synthetic Ethernet/IPv4/UDP frames so the output opens
// in any pcap tool. Finished files can be shipped to S3.
package recording

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/softswitch/pkg/hooks"
)

const pcapSnapLen = 65536

// Config controls where recordings land and whether they are uploaded.
type Config struct {
	// Dir is the local directory for pcap files; created on Init.
	Dir string
	// S3URI enables upload when non-empty, e.g. "s3://bucket/recordings".
	S3URI    string
	S3Region string
	// DeleteAfterUpload removes the local file once the upload is attempted.
	DeleteAfterUpload bool
	// OnFinished reports the final reference (S3 URI or local path) for
	// a closed recording, so the caller can stamp it into the CDR.
	OnFinished func(callID, ref string)
	Logger     *logrus.Entry
}

type session struct {
	file     *os.File
	writer   *pcapgo.Writer
	path     string
	filename string
	packets  uint64
}

// Recorder is a dispatcher feature: it opens a pcap on
// recording_started and closes it on recording_stopped or call_ended.
type Recorder struct {
	config Config
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a recorder; files are not touched until Init.
func New(config Config) *Recorder {
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Recorder{
		config:   config,
		log:      config.Logger.WithField("component", "recording"),
		sessions: make(map[string]*session),
	}
}

// Name implements hooks.Feature.
func (r *Recorder) Name() string { return "recording" }

// Init creates the output directory.
func (r *Recorder) Init(ctx context.Context) error {
	if r.config.Dir == "" {
		r.config.Dir = "."
	}
	if err := os.MkdirAll(r.config.Dir, 0o755); err != nil {
		return fmt.Errorf("create recording dir %s: %w", r.config.Dir, err)
	}
	return nil
}

// HandleEvent reacts to recording lifecycle events. A call_ended for a
// call that is still recording closes the file the same way an explicit
// stop would.
func (r *Recorder) HandleEvent(ctx context.Context, e hooks.Event) error {
	switch e.Type {
	case hooks.EventRecordingStarted:
		_, err := r.Start(e.CallID)
		return err
	case hooks.EventRecordingStopped, hooks.EventCallEnded:
		r.finish(ctx, e.CallID)
		return nil
	default:
		return nil
	}
}

// Shutdown closes any recordings still open.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.finish(ctx, id)
	}
	return nil
}

// Start opens a pcap file for the call and returns the reference the
// finished recording will be reachable at (the S3 location when upload
// is configured, the local path otherwise). Starting an already
// recorded call is a no-op and returns the existing reference.
func (r *Recorder) Start(callID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[callID]; ok {
		return r.refFor(s), nil
	}

	filename := fmt.Sprintf("%s_%s.pcap", sanitizeFilename(callID), time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(r.config.Dir, filename)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create pcap %s: %w", path, err)
	}

	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("write pcap header: %w", err)
	}

	s := &session{file: file, writer: writer, path: path, filename: filename}
	r.sessions[callID] = s
	r.log.WithFields(logrus.Fields{"call_id": callID, "file": path}).Info("recording started")
	return r.refFor(s), nil
}

// refFor computes the recording's final location without waiting for
// the upload to happen.
func (r *Recorder) refFor(s *session) string {
	if r.config.S3URI != "" {
		if bucket, prefix, err := splitS3URI(r.config.S3URI); err == nil {
			return fmt.Sprintf("s3://%s/%s%s", bucket, prefix, s.filename)
		}
	}
	return s.path
}

// Recording reports whether the call has an open pcap.
func (r *Recorder) Recording(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[callID]
	return ok
}

// WriteRTP appends one raw RTP datagram to the call's pcap, wrapped in
// a synthetic frame carrying the real endpoint addresses. Packets for
// calls that are not being recorded are ignored.
func (r *Recorder) WriteRTP(callID string, raw []byte, src, dst *net.UDPAddr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[callID]
	if !ok {
		return nil
	}

	data, err := buildFrame(raw, src, dst)
	if err != nil {
		return fmt.Errorf("build frame: %w", err)
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := s.writer.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write pcap packet: %w", err)
	}
	s.packets++
	return nil
}

// finish closes the call's pcap and, when configured, uploads it to S3
// and removes the local copy. Missing session is fine: not every call
// is recorded.
func (r *Recorder) finish(ctx context.Context, callID string) {
	r.mu.Lock()
	s, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := s.file.Close(); err != nil {
		r.log.WithError(err).WithField("call_id", callID).Warn("failed to close pcap file")
	}
	r.log.WithFields(logrus.Fields{
		"call_id": callID,
		"file":    s.path,
		"packets": s.packets,
	}).Info("recording finished")

	ref := s.path
	if r.config.S3URI != "" {
		location, err := uploadToS3(ctx, s.path, r.config.S3URI, r.config.S3Region, s.filename)
		if err != nil {
			r.log.WithError(err).WithField("file", s.filename).Error("S3 upload failed, keeping local file")
		} else {
			ref = location
			r.log.WithFields(logrus.Fields{"file": s.filename, "location": location}).Info("recording uploaded")
			if r.config.DeleteAfterUpload {
				if err := os.Remove(s.path); err != nil {
					r.log.WithError(err).WithField("file", s.path).Warn("failed to delete local recording")
				}
			}
		}
	}

	if r.config.OnFinished != nil {
		r.config.OnFinished(callID, ref)
	}
}

// buildFrame wraps an RTP datagram in Ethernet/IPv4/UDP. The MACs are
// synthetic; addresses and ports come from the live socket pair.
func buildFrame(payload []byte, src, dst *net.UDPAddr) ([]byte, error) {
	srcIP := src.IP.To4()
	dstIP := dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("only IPv4 endpoints are supported: %s -> %s", src, dst)
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
