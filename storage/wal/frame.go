package wal

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xkv/storage/basic"
	"github.com/zhukovaskychina/xkv/util"
)

// 日志文件布局
//
//	header: magic(8) version(2) reserved(2) pageSize(4) salt(8) checksum(8)
//	frame:  kind(1) reserved(3) pageId(4) txId(8) salt(8) checksum(8) [payload]
//
// 页帧携带一整页编码后的镜像，提交帧没有负载，pageId 字段记录提交后的文件页数。
const (
	HeaderSize      = 32
	FrameHeaderSize = 32
	PageFrameSize   = FrameHeaderSize + basic.PageSize
	Version         = 1
)

// 帧类型
const (
	FrameKindPage   byte = 1
	FrameKindCommit byte = 2
)

var walMagic = [8]byte{'X', 'K', 'V', 'W', 'A', 'L', 0, 1}

type fileHeader struct {
	salt uint64
}

func (h *fileHeader) encode(buf []byte) {
	copy(buf[0:8], walMagic[:])
	binary.BigEndian.PutUint16(buf[8:], Version)
	binary.BigEndian.PutUint16(buf[10:], 0)
	binary.BigEndian.PutUint32(buf[12:], basic.PageSize)
	binary.BigEndian.PutUint64(buf[16:], h.salt)
	binary.BigEndian.PutUint64(buf[24:], util.FrameChecksum(buf[0:24]))
}

func decodeHeader(buf []byte) (*fileHeader, bool) {
	var magic [8]byte
	copy(magic[:], buf[0:8])
	if magic != walMagic {
		return nil, false
	}
	if binary.BigEndian.Uint64(buf[24:]) != util.FrameChecksum(buf[0:24]) {
		return nil, false
	}
	if binary.BigEndian.Uint16(buf[8:]) != Version || binary.BigEndian.Uint32(buf[12:]) != basic.PageSize {
		return nil, false
	}
	return &fileHeader{salt: binary.BigEndian.Uint64(buf[16:])}, true
}

type frameHeader struct {
	kind   byte
	pageID basic.PageId
	txID   uint64
	salt   uint64
}

// encode 写入帧头，payload 为空表示提交帧
func (f *frameHeader) encode(buf []byte, payload []byte) {
	buf[0] = f.kind
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.BigEndian.PutUint32(buf[4:], uint32(f.pageID))
	binary.BigEndian.PutUint64(buf[8:], f.txID)
	binary.BigEndian.PutUint64(buf[16:], f.salt)
	binary.BigEndian.PutUint64(buf[24:], util.FrameChecksum(buf[0:24], payload))
}

func decodeFrameHeader(buf []byte) *frameHeader {
	return &frameHeader{
		kind:   buf[0],
		pageID: basic.PageId(binary.BigEndian.Uint32(buf[4:])),
		txID:   binary.BigEndian.Uint64(buf[8:]),
		salt:   binary.BigEndian.Uint64(buf[16:]),
	}
}

func frameChecksumOK(buf []byte, payload []byte) bool {
	return binary.BigEndian.Uint64(buf[24:]) == util.FrameChecksum(buf[0:24], payload)
}
