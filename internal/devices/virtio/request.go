package virtio

import (
	"encoding/binary"
	"fmt"
)

// blkReqHeader is the fixed 16-byte virtio-blk request header. The fields
// are decoded from a defensive copy of guest memory so later validation
// cannot be raced by a guest rewriting the header in place.
type blkReqHeader struct {
	reqType  uint32
	reserved uint32
	sector   uint64
}

func decodeHeader(raw []byte) blkReqHeader {
	return blkReqHeader{
		reqType:  binary.LittleEndian.Uint32(raw[0:4]),
		reserved: binary.LittleEndian.Uint32(raw[4:8]),
		sector:   binary.LittleEndian.Uint64(raw[8:16]),
	}
}

// request is the decoded form of one block request. The opcode is examined
// exactly once, in decodeRequest; each variant carries only the payload its
// handler needs, already validated for shape.
type request interface {
	isRequest()
}

type readRequest struct {
	sector uint64
	dst    []bufferRange // writable, each a sector multiple
}

type writeRequest struct {
	sector uint64
	src    []bufferRange // readable, each a sector multiple
}

type flushRequest struct{}

type getIDRequest struct {
	dst bufferRange // writable, exactly blkIDBytes long
}

type unsupportedRequest struct {
	kind uint32
}

func (readRequest) isRequest()        {}
func (writeRequest) isRequest()       {}
func (flushRequest) isRequest()       {}
func (getIDRequest) isRequest()       {}
func (unsupportedRequest) isRequest() {}

var (
	errPayloadDirection = fmt.Errorf("virtio-blk: payload descriptor has wrong direction")
	errPayloadUnaligned = fmt.Errorf("virtio-blk: payload length not a sector multiple")
	errFlushSector      = fmt.Errorf("virtio-blk: flush with non-zero sector")
	errBadIDBuffer      = fmt.Errorf("virtio-blk: device-ID buffer has wrong shape")
)

// decodeRequest validates the payload descriptors against the request type
// and produces the typed request. Any error here is a malformed request and
// maps to VIRTIO_BLK_S_IOERR before the device performs any I/O.
// Recognized-but-unimplemented opcodes decode to unsupportedRequest, which
// completes with VIRTIO_BLK_S_UNSUPP instead.
func decodeRequest(hdr blkReqHeader, payload []bufferRange) (request, error) {
	switch hdr.reqType {
	case VIRTIO_BLK_T_IN:
		for _, b := range payload {
			if !b.Writable {
				return nil, errPayloadDirection
			}
			if b.Length%SectorSize != 0 {
				return nil, errPayloadUnaligned
			}
		}
		return readRequest{sector: hdr.sector, dst: payload}, nil

	case VIRTIO_BLK_T_OUT:
		for _, b := range payload {
			if b.Writable {
				return nil, errPayloadDirection
			}
			if b.Length%SectorSize != 0 {
				return nil, errPayloadUnaligned
			}
		}
		return writeRequest{sector: hdr.sector, src: payload}, nil

	case VIRTIO_BLK_T_FLUSH:
		// The sector field is meaningless for a flush but the contract
		// requires it to be zero. Payload descriptors, if the guest
		// attached any, are accepted and ignored.
		if hdr.sector != 0 {
			return nil, errFlushSector
		}
		return flushRequest{}, nil

	case VIRTIO_BLK_T_GET_ID:
		if len(payload) != 1 || !payload[0].Writable || payload[0].Length != blkIDBytes {
			return nil, errBadIDBuffer
		}
		return getIDRequest{dst: payload[0]}, nil

	default:
		return unsupportedRequest{kind: hdr.reqType}, nil
	}
}
