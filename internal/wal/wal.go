package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
	"github.com/meidoworks/nekoq-replicator/logging"
)

type EntryType int

const (
	EntryTypeWhole     EntryType = 0b00001001
	EntryTypeStart     EntryType = 0b00001010
	EntryTypeMiddle    EntryType = 0b00001011
	EntryTypeEnd       EntryType = 0b00001100
	EntryTypeBrokenEnd EntryType = 0b00001101

	EntryTypeMask = 0b00001111
)

const (
	EntryHeader      int = 0b10100000
	RecordHeaderSize     = 8

	DefaultPageSize = 4 * 1024
	DefaultFileSize = 64 * 1024 * 1024
)

var (
	ErrPageCorrupted = errors.New("wal page corrupted")
	ErrWalClosed     = errors.New("wal closed")
)

var _ iface.Wal = new(DiskWal)

// DiskWal is a page structured append-only log. Every page holds one record:
// { EntryHeader|EntryType = 1B, record size = 2B, page crc32 = 4B, reserved = 1B, data }.
// Entries larger than a page span a Start page, Middle pages and an End page.
// Files are named by term and collection and rotate at maxFileSize.
type DiskWal struct {
	curTerm       int64 // term
	curCollection int64 // file
	curSeq        int64 // page sequence inside a collection
	pageOccupied  int32

	maxFileSize int64
	maxPageSize int32
	folder      string
	fs          afero.Fs

	curFile afero.File

	sync.Mutex
	dirty        int32
	closed       bool
	closeChannel chan struct{}

	log *logrus.Entry
}

func NewDiskWal(fs afero.Fs, folder string) *DiskWal {
	return &DiskWal{
		maxFileSize:  DefaultFileSize,
		maxPageSize:  DefaultPageSize,
		folder:       folder,
		fs:           fs,
		curTerm:      1, // overwritten by Initialize()
		closeChannel: make(chan struct{}),
		log:          logging.Component("wal"),
	}
}

func (d *DiskWal) WriteEntry(bytes []byte) (iface.SequenceId, error) {
	d.Lock()
	defer d.Unlock()

	if d.closed {
		return iface.SequenceId{}, ErrWalClosed
	}

	var recordMax = int(d.maxPageSize - RecordHeaderSize)

	if recordMax >= len(bytes) {
		if err := d.guaranteePage(1); err != nil {
			return iface.SequenceId{}, err
		}
		if err := d.writeDataPage(bytes, EntryTypeWhole); err != nil {
			return iface.SequenceId{}, err
		}
	} else {
		var offset = 0
		for offset < len(bytes) {
			t := EntryTypeMiddle
			if offset == 0 {
				t = EntryTypeStart
			}
			n := recordMax
			if offset+recordMax >= len(bytes) {
				n = len(bytes) - offset
				t = EntryTypeEnd
			}
			if err := d.guaranteePage(1); err != nil {
				return iface.SequenceId{}, err
			}
			if err := d.writeDataPage(bytes[offset:offset+n], t); err != nil {
				return iface.SequenceId{}, err
			}
			offset += n
		}
	}

	atomic.StoreInt32(&d.dirty, 1)
	return d.curPosition(), nil
}

func (d *DiskWal) filename(term, collection int64) string {
	return fmt.Sprintf("%016x%016x", term, collection)
}

func (d *DiskWal) filepath(term, collection int64) string {
	return filepath.Join(d.folder, d.filename(term, collection))
}

func (d *DiskWal) openCollection() error {
	f, err := d.fs.OpenFile(d.filepath(d.curTerm, d.curCollection), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0664)
	if err != nil {
		return err
	}
	d.curFile = f
	return nil
}

func (d *DiskWal) guaranteePage(pageCnt int) error {
	// no file open
	if d.curFile == nil {
		d.curCollection++
		d.curSeq = 0
		d.pageOccupied = 0
		return d.openCollection()
	}
	// reach max file size
	if int64(int(d.pageOccupied)+pageCnt)*int64(d.maxPageSize) > d.maxFileSize {
		if err := d.curFile.Close(); err != nil {
			return err
		}
		d.curCollection++
		d.curSeq = 0
		d.pageOccupied = 0
		return d.openCollection()
	}
	return nil
}

func (d *DiskWal) writeDataPage(dat []byte, entryType EntryType) error {
	buf := d.prepareDataBufByPage(dat, entryType)
	if _, err := d.curFile.Write(buf); err != nil {
		return err
	}
	d.curSeq++
	d.pageOccupied++
	return nil
}

func (d *DiskWal) prepareDataBufByPage(dat []byte, entryType EntryType) []byte {
	buf := make([]byte, d.maxPageSize)
	buf[0] = byte(EntryHeader) | byte(entryType)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(dat)))
	copy(buf[RecordHeaderSize:], dat)
	binary.BigEndian.PutUint32(buf[3:7], crc32.Checksum(buf, crc32.IEEETable))
	return buf
}

type pageRecord struct {
	Data []byte
	Type EntryType
}

func (d *DiskWal) pageRecord(buf []byte) (pageRecord, error) {
	crc32val := binary.BigEndian.Uint32(buf[3:7])
	check := slices.Clone(buf)
	clear(check[3:7])
	if crc32.Checksum(check, crc32.IEEETable) != crc32val {
		return pageRecord{}, ErrPageCorrupted
	}
	if buf[0]&^byte(EntryTypeMask) != byte(EntryHeader) {
		return pageRecord{}, ErrPageCorrupted
	}
	length := int(binary.BigEndian.Uint16(buf[1:3]))
	if length+RecordHeaderSize > len(buf) {
		return pageRecord{}, fmt.Errorf("%w: length field exceeded", ErrPageCorrupted)
	}
	return pageRecord{
		Type: EntryType(buf[0] & EntryTypeMask),
		Data: slices.Clone(buf[RecordHeaderSize : RecordHeaderSize+length]),
	}, nil
}

func (d *DiskWal) CurrentSequence() iface.SequenceId {
	d.Lock()
	defer d.Unlock()

	return d.curPosition()
}

func (d *DiskWal) curPosition() iface.SequenceId {
	return iface.SequenceId{
		Term:       d.curTerm,
		Collection: d.curCollection,
		Seq:        d.curSeq,
	}
}

func (d *DiskWal) listWalFiles() ([]string, map[string]iface.SequenceId, error) {
	entries, err := afero.ReadDir(d.fs, d.folder)
	if err != nil {
		return nil, nil, err
	}
	var fileNames []string
	fileMap := map[string]iface.SequenceId{}
	for _, info := range entries {
		if info.IsDir() {
			continue
		}
		seq, err := d.walfilename(info.Name())
		if err != nil {
			d.log.Warnln("list wal file - found unknown file:", info.Name(), "with error:", err)
			continue
		}
		fileNames = append(fileNames, info.Name())
		fileMap[info.Name()] = seq
	}
	slices.Sort(fileNames)
	return fileNames, fileMap, nil
}

func (d *DiskWal) walfilename(name string) (iface.SequenceId, error) {
	if len(name) != 32 {
		return iface.SequenceId{}, errors.New("file name length mismatch")
	}
	var v1 int64
	var v2 int64
	_, err := fmt.Sscanf(name, "%016x%016x", &v1, &v2)
	if err != nil {
		return iface.SequenceId{}, err
	}
	if v1 <= 0 || v2 <= 0 {
		return iface.SequenceId{}, errors.New("file sequence id has one or more less than 1")
	}
	return iface.SequenceId{
		Term:       v1,
		Collection: v2,
	}, nil
}

func (d *DiskWal) Initialize() (iface.SequenceId, error) {
	d.Lock()
	defer d.Unlock()

	if err := d.fs.MkdirAll(d.folder, 0755); err != nil {
		return iface.SequenceId{}, err
	}
	fileNames, fileMap, err := d.listWalFiles()
	if err != nil {
		return iface.SequenceId{}, err
	}
	if len(fileNames) == 0 {
		d.curTerm = 1
		d.curCollection = 0
		d.curSeq = 0
	} else {
		lastFileName := fileNames[len(fileNames)-1]
		d.curTerm = fileMap[lastFileName].Term
		d.curCollection = fileMap[lastFileName].Collection
		// repair the tail of the latest file and continue appending to it
		pages, err := d.repairTail(lastFileName)
		if err != nil {
			return iface.SequenceId{}, err
		}
		d.curSeq = int64(pages)
		d.pageOccupied = int32(pages)
		if err := d.openCollection(); err != nil {
			return iface.SequenceId{}, err
		}
	}

	go d.syncLoop()
	return d.curPosition(), nil
}

// repairTail truncates a torn page at the end of the file and closes a dangling
// multi-page entry with a broken end page. It returns the number of pages kept.
func (d *DiskWal) repairTail(name string) (int, error) {
	f, err := d.fs.OpenFile(filepath.Join(d.folder, name), os.O_RDWR, 0664)
	if err != nil {
		return 0, err
	}
	defer func(f afero.File) {
		_ = f.Close()
	}(f)

	pageBuf := make([]byte, d.maxPageSize)
	pages := 0
	lastType := EntryTypeWhole
	for {
		_, err := io.ReadFull(f, pageBuf)
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		} else if err != nil {
			return 0, err
		}
		rec, err := d.pageRecord(pageBuf)
		if err != nil {
			d.log.Warnln("wal page", pages, "of", name, "corrupted, truncating tail")
			break
		}
		lastType = rec.Type
		pages++
	}
	if err := f.Truncate(int64(pages) * int64(d.maxPageSize)); err != nil {
		return 0, err
	}
	if lastType == EntryTypeStart || lastType == EntryTypeMiddle {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return 0, err
		}
		if _, err := f.Write(d.prepareDataBufByPage(nil, EntryTypeBrokenEnd)); err != nil {
			return 0, err
		}
		pages++
	}
	return pages, nil
}

func (d *DiskWal) syncLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.closeChannel:
			return
		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&d.dirty, 1, 0) {
				d.Lock()
				if d.curFile != nil {
					if err := d.curFile.Sync(); err != nil {
						d.log.Errorln("wal background file sync failed:", err)
					}
				}
				d.Unlock()
			}
		}
	}
}

// Replay calls f with every complete entry in write order. Entries closed by a broken
// end page are skipped.
func (d *DiskWal) Replay(f func(entry []byte) error) error {
	d.Lock()
	defer d.Unlock()

	files, _, err := d.listWalFiles()
	if err != nil {
		return err
	}
	var pending []byte
	var inEntry bool
	for _, name := range files {
		if err := d.replayFile(name, func(rec pageRecord) error {
			switch rec.Type {
			case EntryTypeWhole:
				inEntry = false
				return f(rec.Data)
			case EntryTypeStart:
				pending = append(pending[:0], rec.Data...)
				inEntry = true
			case EntryTypeMiddle:
				if inEntry {
					pending = append(pending, rec.Data...)
				}
			case EntryTypeEnd:
				if inEntry {
					inEntry = false
					return f(append(pending, rec.Data...))
				}
			case EntryTypeBrokenEnd:
				inEntry = false
				pending = pending[:0]
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiskWal) replayFile(filename string, fn func(rec pageRecord) error) error {
	pageBuf := make([]byte, d.maxPageSize)
	f, err := d.fs.Open(filepath.Join(d.folder, filename))
	if err != nil {
		return err
	}
	defer func(f afero.File) {
		_ = f.Close()
	}(f)
	for {
		_, err := io.ReadFull(f, pageBuf)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		rec, err := d.pageRecord(pageBuf)
		if err != nil {
			return fmt.Errorf("replay %s: %w", filename, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (d *DiskWal) Reset() error {
	d.Lock()
	defer d.Unlock()

	if d.curFile != nil {
		if err := d.curFile.Close(); err != nil {
			return err
		}
		d.curFile = nil
	}
	files, _, err := d.listWalFiles()
	if err != nil {
		return err
	}
	for _, name := range files {
		if err := d.fs.Remove(filepath.Join(d.folder, name)); err != nil {
			return err
		}
	}
	d.curTerm++
	d.curCollection = 0
	d.curSeq = 0
	d.pageOccupied = 0
	return nil
}

func (d *DiskWal) Close() error {
	d.Lock()
	defer d.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	close(d.closeChannel)
	if d.curFile == nil {
		return nil
	}
	if err := d.curFile.Sync(); err != nil {
		return err
	}
	err := d.curFile.Close()
	d.curFile = nil
	return err
}
