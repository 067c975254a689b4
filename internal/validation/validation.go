package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MinNameLength is the minimum length for a volume name
	MinNameLength = 2
	// MaxNameLength is the maximum length for a volume name
	MaxNameLength = 65
)

// dockerNamePattern matches Docker's naming requirements:
// Must start with alphanumeric, followed by alphanumeric, underscore, dot, or hyphen
// See: https://github.com/moby/moby/blob/master/daemon/names/names.go
var dockerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// imageFormats are the disk image formats qemu can serve us
var imageFormats = map[string]bool{
	"raw":   true,
	"qcow2": true,
	"qcow":  true,
	"qed":   true,
	"vdi":   true,
	"vmdk":  true,
	"vpc":   true,
}

// filesystems we are willing to run mkfs for
var filesystems = map[string]bool{
	"ext2":  true,
	"ext3":  true,
	"ext4":  true,
	"xfs":   true,
	"btrfs": true,
	"vfat":  true,
}

// ValidateVolumeName validates that a volume name meets all requirements:
// - Matches Docker naming pattern (alphanumeric start, alphanumeric/underscore/dot/hyphen continuation)
// - Between 2 and 65 characters
func ValidateVolumeName(name string) error {
	if len(name) < MinNameLength {
		return fmt.Errorf("volume name must be at least %d characters", MinNameLength)
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("volume name must be at most %d characters", MaxNameLength)
	}

	if !dockerNamePattern.MatchString(name) {
		return fmt.Errorf("volume name must start with alphanumeric and contain only alphanumeric, underscore, dot, or hyphen characters")
	}

	return nil
}

// ValidateFormat checks that the image format is one we can attach
func ValidateFormat(format string) error {
	if !imageFormats[format] {
		return fmt.Errorf("unsupported image format %q", format)
	}
	return nil
}

// ValidateFilesystem checks that the filesystem is one we can mkfs
func ValidateFilesystem(fs string) error {
	if !filesystems[fs] {
		return fmt.Errorf("unsupported filesystem %q", fs)
	}
	return nil
}

// ParsePartition parses a partition selector. An empty string selects the
// whole device (0); a positive number selects that partition; -1 is the
// search marker, accepted here and rejected later by the attach mode.
func ParsePartition(s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid partition %q", s)
	}
	if n == 0 || n < -1 {
		return 0, fmt.Errorf("invalid partition %d: must be a positive number or -1", n)
	}

	return n, nil
}

// ParseSize parses a size string with IEC or SI units
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	// Find where the number ends and unit begins
	var numPart string
	var unitPart string
	for i, c := range s {
		if c >= '0' && c <= '9' || c == '.' {
			numPart = s[:i+1]
		} else {
			unitPart = strings.TrimSpace(s[i:])
			break
		}
	}
	if unitPart == "" && numPart == "" {
		numPart = s
	}

	// Parse number
	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %w", err)
	}

	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative")
	}

	// Parse unit
	unitPart = strings.ToUpper(unitPart)

	var multiplier float64
	switch unitPart {
	case "", "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1000
	case "KI", "KIB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1000 * 1000
	case "MI", "MIB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1000 * 1000 * 1000
	case "GI", "GIB":
		multiplier = 1024 * 1024 * 1024
	case "T", "TB":
		multiplier = 1000 * 1000 * 1000 * 1000
	case "TI", "TIB":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown unit: %s", unitPart)
	}

	return uint64(num * multiplier), nil
}
