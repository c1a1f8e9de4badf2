package media

// Pure Go WebM/EBML encoding for local recordings. The recorder drains an
// independent VP8 reader of the camera track and writes one file per
// acquisition, so recording never touches the RTP path.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize marks the streaming Segment whose length is not known while
// the recording is still running.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes an EBML element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// webmInit returns the initialisation segment for a single VP8 video track:
// EBML header + Segment (unknown size) + Info + Tracks.
func webmInit(videoW, videoH uint16) []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("meet")),
		ebmlElem(idWrtApp, []byte("meet")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	videoBody := ebmlConcat(
		ebmlElem(idPixelW, ebmlUint(uint64(videoW))),
		ebmlElem(idPixelH, ebmlUint(uint64(videoH))),
	)
	videoEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(1)), // 1 = video
		ebmlElem(idCodecID, []byte("V_VP8")),
		ebmlElem(idVideo, videoBody),
	)
	buf.Write(ebmlElem(idTracks, ebmlElem(idTrackEntry, videoEntry)))
	return buf.Bytes()
}

// webmCluster builds a known-size Cluster from pre-encoded SimpleBlocks.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(clusterMs)))
	return ebmlElem(idCluster, ebmlConcat(tcElem, blocks))
}

// webmSimpleBlock encodes one SimpleBlock. relMs is the timecode relative
// to the cluster start, a signed int16.
func webmSimpleBlock(trackNum int, relMs int16, keyframe bool, data []byte) []byte {
	trackVint := ebmlVint(uint64(trackNum))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = flags
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// vp8Keyframe reports whether a raw VP8 frame is a keyframe. Bit 0 of the
// first header byte is the inverse frame type flag.
func vp8Keyframe(data []byte) bool {
	return len(data) > 0 && data[0]&0x01 == 0
}

// vp8Dimensions extracts width and height from a VP8 keyframe header.
// Returns ok=false when the start code is missing.
func vp8Dimensions(data []byte) (w, h uint16, ok bool) {
	if len(data) < 10 || data[3] != 0x9D || data[4] != 0x01 || data[5] != 0x2A {
		return 0, 0, false
	}
	w = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
	h = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
	return w, h, true
}

// Clusters are flushed at keyframes; these bound them when keyframes are
// sparse. relMs is an int16, so a cluster can never span more than ~32 s.
const (
	clusterMaxSpanMs = 30000
	clusterMaxBlocks = 64
)

// recorder writes the outgoing camera stream to a WebM file in dir, one
// file per acquisition. A device switch swaps the frame source but keeps
// writing to the same file; the wall clock keeps timecodes monotonic
// across the switch.
type recorder struct {
	mu      sync.Mutex
	w       *bufio.Writer
	f       *os.File
	path    string
	started time.Time
	closed  bool

	initDone     bool
	clusterStart int64
	clusterBuf   bytes.Buffer
	clusterKey   bool
	clusterOpen  bool
	blockCount   int

	src SelfViewSource
	wg  sync.WaitGroup
}

func newRecorder(dir string, src SelfViewSource) (*recorder, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("recording dir: %w", err)
	}
	path := filepath.Join(dir, "meet-"+time.Now().Format("20060102-150405")+".webm")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording file: %w", err)
	}

	r := &recorder{
		w:       bufio.NewWriterSize(f, 64<<10),
		f:       f,
		path:    path,
		started: time.Now(),
		src:     src,
	}
	r.wg.Add(1)
	go r.drain(src)
	log.Printf("MEDIA: recording to %s", path)
	return r, nil
}

// switchSource starts draining a new camera reader. The old one is closed,
// which ends its drain goroutine; the new encoder opens with a keyframe, so
// the file stays decodable across the cut.
func (r *recorder) switchSource(src SelfViewSource) {
	r.mu.Lock()
	old := r.src
	r.src = src
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	r.wg.Add(1)
	go r.drain(src)
}

func (r *recorder) drain(src SelfViewSource) {
	defer r.wg.Done()
	for {
		data, release, err := src.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("MEDIA: recorder stopped: %v", err)
			}
			return
		}
		ts := time.Since(r.started).Milliseconds()
		r.writeFrame(ts, vp8Keyframe(data), data)
		if release != nil {
			release()
		}
	}
}

func (r *recorder) writeFrame(ts int64, keyframe bool, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if !r.initDone {
		if !keyframe {
			return
		}
		w, h, ok := vp8Dimensions(data)
		if !ok {
			w, h = 640, 480
		}
		if _, err := r.w.Write(webmInit(w, h)); err != nil {
			log.Printf("MEDIA: recorder write failed: %v", err)
			r.closeLocked()
			return
		}
		log.Printf("MEDIA: recording VP8 %dx%d", w, h)
		r.initDone = true
	}

	if r.clusterOpen && (keyframe || ts-r.clusterStart > clusterMaxSpanMs || r.blockCount >= clusterMaxBlocks) {
		r.flushClusterLocked()
	}
	if !r.clusterOpen {
		r.clusterStart = ts
		r.clusterOpen = true
		r.clusterKey = keyframe
		r.clusterBuf.Reset()
		r.blockCount = 0
	}

	rel := int16(ts - r.clusterStart)
	r.clusterBuf.Write(webmSimpleBlock(1, rel, keyframe, data))
	r.blockCount++
}

func (r *recorder) flushClusterLocked() {
	if !r.clusterOpen || r.clusterBuf.Len() == 0 {
		r.clusterOpen = false
		return
	}
	data := webmCluster(r.clusterStart, r.clusterBuf.Bytes())
	r.clusterOpen = false
	r.clusterBuf.Reset()
	r.blockCount = 0
	if _, err := r.w.Write(data); err != nil {
		log.Printf("MEDIA: recorder write failed: %v", err)
		r.closeLocked()
	}
}

// close stops the drain goroutine, flushes the open cluster and closes the
// file. Safe to call twice.
func (r *recorder) close() {
	r.mu.Lock()
	src := r.src
	r.src = nil
	r.mu.Unlock()
	if src != nil {
		_ = src.Close()
	}
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *recorder) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	r.flushClusterLocked()
	_ = r.w.Flush()
	_ = r.f.Close()
	log.Printf("MEDIA: recording saved to %s", r.path)
}
