package archive

import (
	"encoding/binary"
	"time"
)

const (
	localHeaderSig   = 0x04034b50
	centralHeaderSig = 0x02014b50
	trailerSig       = 0x06054b50

	zipVersion  = 20
	flagUTF8    = 0x0800
	methodStore = 0

	localCRCOffset   = 14
	centralCRCOffset = 16
)

// dosDateTime converts t to MS-DOS date and time fields. Dates before 1980
// clamp to 1980-01-01.
func dosDateTime(t time.Time) (date, clock uint16) {
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	date = uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	clock = uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return date, clock
}

func localHeader(e Entry, modified time.Time) []byte {
	date, clock := dosDateTime(modified)
	b := make([]byte, localHeaderLen+e.NameLen)
	le := binary.LittleEndian
	le.PutUint32(b[0:], localHeaderSig)
	le.PutUint16(b[4:], zipVersion)
	le.PutUint16(b[6:], flagUTF8)
	le.PutUint16(b[8:], methodStore)
	le.PutUint16(b[10:], clock)
	le.PutUint16(b[12:], date)
	le.PutUint32(b[14:], e.CRC32)
	le.PutUint32(b[18:], uint32(e.Size))
	le.PutUint32(b[22:], uint32(e.Size))
	le.PutUint16(b[26:], uint16(e.NameLen))
	le.PutUint16(b[28:], 0)
	copy(b[30:], e.Name)
	return b
}

func centralHeader(e Entry, modified time.Time) []byte {
	date, clock := dosDateTime(modified)
	b := make([]byte, centralHeaderLen+e.NameLen)
	le := binary.LittleEndian
	le.PutUint32(b[0:], centralHeaderSig)
	le.PutUint16(b[4:], zipVersion)
	le.PutUint16(b[6:], zipVersion)
	le.PutUint16(b[8:], flagUTF8)
	le.PutUint16(b[10:], methodStore)
	le.PutUint16(b[12:], clock)
	le.PutUint16(b[14:], date)
	le.PutUint32(b[16:], e.CRC32)
	le.PutUint32(b[20:], uint32(e.Size))
	le.PutUint32(b[24:], uint32(e.Size))
	le.PutUint16(b[28:], uint16(e.NameLen))
	// extra length, comment length, disk number, internal and external
	// attributes stay zero.
	le.PutUint32(b[42:], uint32(e.LocalHeaderOffset))
	copy(b[46:], e.Name)
	return b
}

func trailer(t Trailer) []byte {
	b := make([]byte, trailerLen)
	le := binary.LittleEndian
	le.PutUint32(b[0:], trailerSig)
	le.PutUint16(b[8:], uint16(t.Entries))
	le.PutUint16(b[10:], uint16(t.Entries))
	le.PutUint32(b[12:], uint32(t.CentralDirSize))
	le.PutUint32(b[16:], uint32(t.CentralDirOffset))
	return b
}

func crcBytes(crc uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, crc)
	return b
}
