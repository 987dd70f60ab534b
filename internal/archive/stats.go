package archive

import "fmt"

// Statistics accumulates per-operation accounting: original bytes,
// compressed (stored) bytes, unique-to-this-operation bytes, and the
// number of regular files seen.
type Statistics struct {
	OSize  int64
	CSize  int64
	USize  int64
	NFiles int

	// Observer, when set, sees every chunk reference as it is
	// accounted; the CLI points it at the prometheus counters.
	Observer func(size, csize uint32, unique bool)
}

// Update records one chunk reference. unique marks chunks that were
// actually written rather than deduplicated away.
func (s *Statistics) Update(size, csize uint32, unique bool) {
	s.OSize += int64(size)
	s.CSize += int64(csize)
	if unique {
		s.USize += int64(csize)
	}
	if s.Observer != nil {
		s.Observer(size, csize, unique)
	}
}

func (s *Statistics) String() string {
	return fmt.Sprintf("%d files, %s original, %s compressed, %s deduplicated",
		s.NFiles, formatBytes(s.OSize), formatBytes(s.CSize), formatBytes(s.USize))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
