package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// --- Transfer sizing ---
const (
	MinChunkSize     = 8 * 1024        // 8 KB
	MaxChunkSize     = 64 * 1024       // 64 KB, the largest message every data channel peer accepts
	DefaultChunkSize = 16 * 1024       // 16 KB
	HighWaterMark    = 1 * 1024 * 1024 // 1 MB - pause sending above this
	LowWaterMark     = 256 * 1024      // 256 KB - resume below this

	SendTimeout = 60 * time.Second
)

// ClampChunkSize maps zero to the default and keeps everything else in
// [MinChunkSize, MaxChunkSize].
func ClampChunkSize(n int) int {
	if n <= 0 {
		return DefaultChunkSize
	}
	return max(MinChunkSize, min(MaxChunkSize, n))
}

// RateMeter estimates throughput with an exponential moving average.
type RateMeter struct {
	mu        sync.Mutex
	pending   int64
	lastTick  time.Time
	lastSpeed float64
}

func NewRateMeter() *RateMeter {
	return &RateMeter{lastTick: time.Now()}
}

// Record adds transferred bytes and refreshes the estimate every 500ms.
func (r *RateMeter) Record(bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending += bytes

	elapsed := time.Since(r.lastTick)
	if elapsed < 500*time.Millisecond {
		return
	}

	current := float64(r.pending) / elapsed.Seconds()
	if r.lastSpeed > 0 {
		r.lastSpeed = r.lastSpeed*0.7 + current*0.3
	} else {
		r.lastSpeed = current
	}

	r.pending = 0
	r.lastTick = time.Now()
}

// Speed returns the estimate in bytes per second.
func (r *RateMeter) Speed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSpeed
}

// FormatSize formats bytes to human readable string
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func FormatSpeed(bytesPerSecond float64) string {
	const (
		KB = 1024.0
		MB = KB * 1024
	)

	switch {
	case bytesPerSecond >= MB:
		return fmt.Sprintf("%.2f MB/s", bytesPerSecond/MB)
	case bytesPerSecond >= KB:
		return fmt.Sprintf("%.2f KB/s", bytesPerSecond/KB)
	default:
		return fmt.Sprintf("%.0f B/s", bytesPerSecond)
	}
}

// GetUniqueFilename returns path unchanged if nothing exists there, otherwise
// the first free "name (n).ext" next to it.
func GetUniqueFilename(path string) string {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	stem := path[:len(path)-len(ext)]

	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, counter, ext)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func FormatTimeDuration(d time.Duration) string {
	seconds := int(d.Seconds()) % 60
	minutes := int(d.Minutes()) % 60
	hours := int(d.Hours())

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
