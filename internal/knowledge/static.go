package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 定义估价参考数据的检索接口。
type Provider interface {
	Query(category, title string) []Comparable
}

// Comparable 描述一条可供估价智能体参考的成交记录。
type Comparable struct {
	Title      string   `json:"title"`
	Category   string   `json:"category"`
	Condition  string   `json:"condition,omitempty"`
	PriceMinor int64    `json:"price_minor"`
	Currency   string   `json:"currency"`
	Keywords   []string `json:"keywords,omitempty"`
}

// StaticProvider 通过加载 JSON 文件提供静态参考数据。
type StaticProvider struct {
	items      []Comparable
	maxResults int
}

// NewStaticProvider 创建静态参考数据实例。
func NewStaticProvider(items []Comparable, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从 JSON 文件加载参考数据。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("参考数据文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析参考数据路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取参考数据文件失败: %w", err)
	}
	defer file.Close()

	var entries []Comparable
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析参考数据文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回同类目下与标题关键词重合度最高的参考记录，结果顺序稳定。
func (p *StaticProvider) Query(category, title string) []Comparable {
	if p == nil {
		return nil
	}
	category = strings.ToLower(strings.TrimSpace(category))
	title = strings.ToLower(strings.TrimSpace(title))

	type scored struct {
		item  Comparable
		score int
		index int
	}
	candidates := make([]scored, 0, len(p.items))
	for i, item := range p.items {
		if category != "" && !strings.EqualFold(strings.TrimSpace(item.Category), category) {
			continue
		}
		candidates = append(candidates, scored{item: item, score: overlap(item, title), index: i})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].index < candidates[j].index
	})

	limit := min(len(candidates), p.maxResults)
	results := make([]Comparable, 0, limit)
	for _, c := range candidates[:limit] {
		results = append(results, c.item)
	}
	return results
}

func overlap(item Comparable, title string) int {
	if title == "" {
		return 0
	}
	score := 0
	for _, keyword := range item.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(title, normalized) {
			score++
		}
	}
	return score
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
