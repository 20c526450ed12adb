// Package extract holds the text rules that turn disk tool output into
// structured values. Every rule is a pure function: text in, an optional
// value out. Callers decide which missing value is fatal.
package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	sectorSizeRe = regexp.MustCompile(`Sector size \(logical/physical\): (\d+) bytes / (\d+) bytes`)
	// Partition row remainder after the device name:
	//   [*] start end sectors size id type...
	fdiskRowRe     = regexp.MustCompile(`^(\d+)\s+(\*\s+)?(\d+)\s+(\d+)\s+(\d+)\s+(\S+)\s+([0-9a-fA-F]{1,2})\s+(.*)$`)
	loopOffsetRe   = regexp.MustCompile(`\boffset (\d+)\b`)
	loopBackingRe  = regexp.MustCompile(`^\S+: \S+ \((.*)\)(?:, offset \d+)?(?:, sizelimit \d+)?$`)
	e2fsckSummary  = regexp.MustCompile(`(?m)^[^:\n]+: [^\n]*, (\d+)/(\d+) blocks\s*$`)
	resizeResultRe = regexp.MustCompile(`(is now|already) (\d+) \((\d+)k\) blocks long`)
	dumpEntryRe    = regexp.MustCompile(`^(\S+)\s*:\s*(.*)$`)
	diskIDRe       = regexp.MustCompile(`Disk identifier: 0x([0-9a-fA-F]+)`)
)

// SectorSize reads the logical and physical sector sizes from an fdisk
// listing.
func SectorSize(out string) (logical, physical int64, ok bool) {
	m := sectorSizeRe.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, false
	}
	logical, _ = strconv.ParseInt(m[1], 10, 64)
	physical, _ = strconv.ParseInt(m[2], 10, 64)
	return logical, physical, true
}

// PartitionRow is one partition line of an fdisk listing.
type PartitionRow struct {
	Index   int
	Boot    bool
	Start   int64
	End     int64
	Sectors int64
	Size    string
	TypeID  string
	Type    string
}

// PartitionRows returns every row of an fdisk listing whose device name is
// device followed by a partition number, in listing order.
func PartitionRows(out, device string) []PartitionRow {
	var rows []PartitionRow
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if device == "" || !strings.HasPrefix(line, device) {
			continue
		}
		rest := line[len(device):]
		rest = strings.TrimPrefix(rest, "p")
		m := fdiskRowRe.FindStringSubmatch(rest)
		if m == nil {
			continue
		}
		row := PartitionRow{
			Boot:   m[2] != "",
			Size:   m[6],
			TypeID: strings.ToLower(m[7]),
			Type:   strings.TrimSpace(m[8]),
		}
		row.Index, _ = strconv.Atoi(m[1])
		row.Start, _ = strconv.ParseInt(m[3], 10, 64)
		row.End, _ = strconv.ParseInt(m[4], 10, 64)
		row.Sectors, _ = strconv.ParseInt(m[5], 10, 64)
		rows = append(rows, row)
	}
	return rows
}

// LoopListed reports whether a `losetup -a` listing names device.
func LoopListed(out, device string) bool {
	if device == "" {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), device+":") {
			return true
		}
	}
	return false
}

// LoopOffset reads the "offset N" field of a `losetup <device>` line.
// A loop attached at offset zero prints no offset field.
func LoopOffset(out string) (int64, bool) {
	m := loopOffsetRe.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// LoopBackingFile reads the backing file name of a `losetup <device>` line.
// losetup cuts names longer than 63 bytes and marks the cut with a trailing
// '*'; truncated reports whether that happened.
func LoopBackingFile(out string) (name string, truncated, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		m := loopBackingRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		name = m[1]
		if strings.HasSuffix(name, "*") {
			return strings.TrimSuffix(name, "*"), true, true
		}
		return name, false, true
	}
	return "", false, false
}

// BlockUsage reads the used and total block counts from the e2fsck summary
// line "<label>: <info>, U/T blocks".
func BlockUsage(out string) (used, total int64, ok bool) {
	m := e2fsckSummary.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, false
	}
	used, _ = strconv.ParseInt(m[1], 10, 64)
	total, _ = strconv.ParseInt(m[2], 10, 64)
	return used, total, true
}

// ResizeResult is what resize2fs reported about the final filesystem size.
type ResizeResult struct {
	Blocks int64
	// BlockKiB is the unit printed next to the count, "(4k)" gives 4.
	BlockKiB int64
	// Already is set when the filesystem was already at its minimum size.
	Already bool
}

// Resize reads either the "is now N (4k) blocks long" or the
// "already N (4k) blocks long" line of resize2fs.
func Resize(out string) (ResizeResult, bool) {
	m := resizeResultRe.FindStringSubmatch(out)
	if m == nil {
		return ResizeResult{}, false
	}
	blocks, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ResizeResult{}, false
	}
	kib, _ := strconv.ParseInt(m[3], 10, 64)
	return ResizeResult{Blocks: blocks, BlockKiB: kib, Already: m[1] == "already"}, true
}

// TableEntry is one partition record of an sfdisk dump.
type TableEntry struct {
	Name  string
	Start int64
	Size  int64
	Type  string
	// Line is the index of the record within TableDump.Lines.
	Line int
}

// TableDump is the structured view of `sfdisk -d` output.
type TableDump struct {
	Label   string
	LabelID string
	Device  string
	Entries map[string]TableEntry
	Lines   []string
}

// ParseDump reads an sfdisk dump. The header fields are optional; at least
// one partition record is required.
func ParseDump(out string) (*TableDump, bool) {
	d := &TableDump{Entries: make(map[string]TableEntry)}
	d.Lines = strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i, line := range d.Lines {
		m := dumpEntryRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		key, value := m[1], strings.TrimSpace(m[2])
		switch key {
		case "label":
			d.Label = value
		case "label-id":
			d.LabelID = NormalizeDiskID(value)
		case "device":
			d.Device = value
		case "unit", "sector-size", "first-lba", "last-lba":
		default:
			fields := dumpFields(value)
			start, okStart := fields["start"]
			size, okSize := fields["size"]
			if !okStart || !okSize {
				continue
			}
			e := TableEntry{Name: key, Type: fields["type"], Line: i}
			e.Start, _ = strconv.ParseInt(start, 10, 64)
			e.Size, _ = strconv.ParseInt(size, 10, 64)
			d.Entries[key] = e
		}
	}
	if len(d.Entries) == 0 {
		return nil, false
	}
	return d, true
}

func dumpFields(value string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(value, ",") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return fields
}

// RewriteSize returns the dump text with only the size field of the named
// record replaced. Start, type and every other line pass through unchanged.
func (d *TableDump) RewriteSize(name string, sectors int64) (string, bool) {
	e, ok := d.Entries[name]
	if !ok {
		return "", false
	}
	lines := make([]string, len(d.Lines))
	copy(lines, d.Lines)

	line := lines[e.Line]
	idx := strings.Index(line, "size=")
	if idx < 0 {
		return "", false
	}
	valStart := idx + len("size=")
	valEnd := valStart
	for valEnd < len(line) && line[valEnd] == ' ' {
		valEnd++
	}
	for valEnd < len(line) && line[valEnd] >= '0' && line[valEnd] <= '9' {
		valEnd++
	}
	width := valEnd - valStart
	lines[e.Line] = line[:valStart] + fmt.Sprintf("%*d", width, sectors) + line[valEnd:]
	return strings.Join(lines, "\n") + "\n", true
}

// DiskIdentifier returns the last "Disk identifier: 0x..." value in out,
// lowercase and without the 0x prefix. sfdisk prints the old and the new
// situation; the last one is the table as written.
func DiskIdentifier(out string) (string, bool) {
	all := diskIDRe.FindAllStringSubmatch(out, -1)
	if len(all) == 0 {
		return "", false
	}
	return strings.ToLower(all[len(all)-1][1]), true
}

// NormalizeDiskID strips the 0x prefix and lowercases a disk identifier.
func NormalizeDiskID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(strings.TrimPrefix(id, "0x"), "0X")
	return strings.ToLower(id)
}

// EndSector returns the end sector of the last listing row for partition,
// e.g. "/dev/loop0p2". sfdisk prints the old and the new situation; the
// last row is the table as written.
func EndSector(out, partition string) (int64, bool) {
	var end int64
	found := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != partition {
			continue
		}
		fields = fields[1:]
		if fields[0] == "*" {
			fields = fields[1:]
		}
		if len(fields) < 2 {
			continue
		}
		if _, err := strconv.ParseInt(fields[0], 10, 64); err != nil {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		end, found = v, true
	}
	return end, found
}
