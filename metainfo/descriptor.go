package metainfo

import "strings"

// PieceCount returns the number of pieces described by the descriptor.
func (d *Descriptor) PieceCount() int {
	return len(d.PieceHashes)
}

// PieceLength returns the length of piece i: NominalPieceLength for every
// piece except the last, which is TotalLength mod NominalPieceLength (or
// NominalPieceLength itself when evenly divisible).
func (d *Descriptor) PieceLength(i int) int64 {
	if i == d.PieceCount()-1 {
		rem := d.TotalLength % d.NominalPieceLength
		if rem == 0 {
			return d.NominalPieceLength
		}
		return rem
	}
	return d.NominalPieceLength
}

// invalidPathChars covers the characters rejected by Windows plus the path
// separators '/' and '\', since a sanitized value must hold as a single
// path component — letting either separator through would turn a malicious
// info.name like "../../etc/cron.d/evil" into a multi-segment traversal
// once joined onto the save root.
const invalidPathChars = `<>:"|?*/\`

// SanitizePathComponent replaces every character invalid on the host
// filesystem, or that could turn name into more than one path segment,
// with '_', and rejects the reserved names "." and "..". It is used for
// both directory and file name components, including a multi-file
// torrent's name and each disk.Layout save-root directory name.
func SanitizePathComponent(name string) string {
	if name == "." || name == ".." || name == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(invalidPathChars, r) || r < 0x20 {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
