package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryFileName is the curated long-term memory file.
const MemoryFileName = "MEMORY.md"

// MarkdownStore writes the human-readable memory files: one append-only
// daily log per day plus the curated MEMORY.md. These files are the
// durable source of truth; the vector index is rebuilt from them.
type MarkdownStore struct {
	dir string

	// locks serializes writes per file; reads are never blocked.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMarkdownStore creates a store rooted at dir.
func NewMarkdownStore(dir string) *MarkdownStore {
	return &MarkdownStore{dir: dir, locks: make(map[string]*sync.Mutex)}
}

// Dir returns the store root.
func (m *MarkdownStore) Dir() string { return m.dir }

func (m *MarkdownStore) fileLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// AppendDailyLog appends a timestamped block of facts to the daily log
// for date (today when zero). The written grammar is exactly what the
// reindexer parses.
func (m *MarkdownStore) AppendDailyLog(chatID string, facts []Fact, date time.Time) error {
	if len(facts) == 0 {
		return nil
	}
	if date.IsZero() {
		date = time.Now()
	}
	name := date.Format("2006-01-02") + ".md"
	path := filepath.Join(m.dir, name)

	lock := m.fileLock(name)
	lock.Lock()
	defer lock.Unlock()

	var b strings.Builder
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(&b, "# Daily Log - %s\n", date.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "\n## %s - Chat: %s\n", time.Now().Format("15:04"), chatIDPrefix(chatID))
	for _, f := range facts {
		cat := f.Category
		if !ValidCategory(cat) {
			cat = "general"
		}
		fmt.Fprintf(&b, "- **[%s]** %s (importance: %.2f)\n", cat, strings.TrimSpace(f.Content), f.Importance)
		if len(f.Tags) > 0 {
			fmt.Fprintf(&b, "  - Tags: %s\n", strings.Join(f.Tags, ", "))
		}
		if ctx := f.Metadata["conversation_context"]; ctx != "" {
			fmt.Fprintf(&b, "  - Context: %s\n", ctx)
		}
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(b.String()); err != nil {
		return fmt.Errorf("append daily log: %w", err)
	}
	return nil
}

// ReadDailyLog returns the raw content of one daily log.
func (m *MarkdownStore) ReadDailyLog(date string) (string, error) {
	if !dailyLogName.MatchString(date + ".md") {
		return "", fmt.Errorf("invalid date %q", date)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, date+".md"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListDailyLogs returns the available log dates, newest first.
func (m *MarkdownStore) ListDailyLogs() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list daily logs: %w", err)
	}
	var dates []string
	for _, e := range entries {
		if dailyLogName.MatchString(e.Name()) {
			dates = append(dates, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// RecentLogs concatenates the logs of the last n days that exist.
func (m *MarkdownStore) RecentLogs(days int) (string, error) {
	if days <= 0 {
		days = 7
	}
	var b strings.Builder
	for i := 0; i < days; i++ {
		date := time.Now().AddDate(0, 0, -i).Format("2006-01-02")
		content, err := m.ReadDailyLog(date)
		if err != nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(content)
	}
	return b.String(), nil
}

// ReadMemoryFile returns MEMORY.md, or empty when absent.
func (m *MarkdownStore) ReadMemoryFile() (string, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, MemoryFileName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteMemoryFile replaces MEMORY.md with content, framed by the
// standard header and last-updated footer.
func (m *MarkdownStore) WriteMemoryFile(content string) error {
	lock := m.fileLock(MemoryFileName)
	lock.Lock()
	defer lock.Unlock()

	body := strings.TrimSpace(content)
	if !strings.HasPrefix(body, "# Long-term Memory") {
		body = "# Long-term Memory\n\n" + body
	}
	body += fmt.Sprintf("\n\n*Last updated: %s*\n", time.Now().Format("2006-01-02 15:04"))
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	return os.WriteFile(filepath.Join(m.dir, MemoryFileName), []byte(body), 0o644)
}

// Daily log grammar. The writer above and ParseDailyLog must agree.
var (
	dailyLogName = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.md$`)
	blockHeader  = regexp.MustCompile(`^## (\d{2}:\d{2}) - Chat: ([A-Za-z0-9_-]+)`)
	factLine     = regexp.MustCompile(`^- \*\*\[(\w+)\]\*\* (.+?) \(importance: ([\d.]+)\)`)
	tagsLine     = regexp.MustCompile(`^\s+- Tags: (.+)`)
	contextLine  = regexp.MustCompile(`^\s+- Context: (.+)`)
	outcomeLine  = regexp.MustCompile(`^\s+- Outcome: (.+)`)
)

// ParsedFact is one fact recovered from a daily log file.
type ParsedFact struct {
	Time       string
	ChatPrefix string
	Content    string
	Category   string
	Importance float64
	Tags       []string
	Context    string
	Outcome    string
}

// ParseDailyLog parses one daily log file body with the fixed grammar.
func ParseDailyLog(content string) []ParsedFact {
	var out []ParsedFact
	var curTime, curChat string
	for _, line := range strings.Split(content, "\n") {
		if m := blockHeader.FindStringSubmatch(line); m != nil {
			curTime, curChat = m[1], m[2]
			continue
		}
		if m := factLine.FindStringSubmatch(line); m != nil {
			imp, err := strconv.ParseFloat(m[3], 64)
			if err != nil {
				imp = 0.5
			}
			out = append(out, ParsedFact{
				Time:       curTime,
				ChatPrefix: curChat,
				Category:   m[1],
				Content:    m[2],
				Importance: imp,
			})
			continue
		}
		if len(out) == 0 {
			continue
		}
		last := &out[len(out)-1]
		if m := tagsLine.FindStringSubmatch(line); m != nil {
			for _, t := range strings.Split(m[1], ",") {
				if t = strings.TrimSpace(t); t != "" {
					last.Tags = append(last.Tags, t)
				}
			}
		} else if m := contextLine.FindStringSubmatch(line); m != nil {
			last.Context = m[1]
		} else if m := outcomeLine.FindStringSubmatch(line); m != nil {
			last.Outcome = m[1]
		}
	}
	return out
}

// chatIDPrefix shortens long chat ids for log headers.
func chatIDPrefix(chatID string) string {
	if len(chatID) > 16 {
		return chatID[:16]
	}
	if chatID == "" {
		return "unknown"
	}
	return chatID
}
