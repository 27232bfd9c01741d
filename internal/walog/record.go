package walog

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"zab/internal/zabtypes"
)

// record framing: { zxid.epoch:u32, zxid.counter:u64, type:u32, bodyLen:u32, body, crc32:u32 }
// The surrounding length-prefixing and segment bookkeeping is delegated to
// github.com/tidwall/wal, which frames every record it stores.
func marshalRecord(txn zabtypes.Transaction) []byte {
	buf := make([]byte, 4+8+4+4+len(txn.Body)+4)
	binary.BigEndian.PutUint32(buf[0:4], txn.Zxid.Epoch)
	binary.BigEndian.PutUint64(buf[4:12], txn.Zxid.Counter)
	binary.BigEndian.PutUint32(buf[12:16], txn.Type)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(txn.Body)))
	copy(buf[20:20+len(txn.Body)], txn.Body)
	sum := crc32.ChecksumIEEE(buf[:20+len(txn.Body)])
	binary.BigEndian.PutUint32(buf[20+len(txn.Body):], sum)
	return buf
}

func unmarshalRecord(data []byte) (zabtypes.Transaction, error) {
	if len(data) < 24 {
		return zabtypes.Transaction{}, io.ErrUnexpectedEOF
	}
	bodyLen := int(binary.BigEndian.Uint32(data[16:20]))
	want := 20 + bodyLen + 4
	if len(data) != want {
		return zabtypes.Transaction{}, io.ErrUnexpectedEOF
	}
	sum := binary.BigEndian.Uint32(data[20+bodyLen:])
	if crc32.ChecksumIEEE(data[:20+bodyLen]) != sum {
		return zabtypes.Transaction{}, zabtypes.ErrPersistenceCorrupted
	}
	body := make([]byte, bodyLen)
	copy(body, data[20:20+bodyLen])
	txn := zabtypes.Transaction{
		Zxid: zabtypes.Zxid{
			Epoch:   binary.BigEndian.Uint32(data[0:4]),
			Counter: binary.BigEndian.Uint64(data[4:12]),
		},
		Type: binary.BigEndian.Uint32(data[12:16]),
		Body: body,
	}
	return txn, nil
}
