package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// RenderMode selects how search results are shown to the client.
type RenderMode string

const (
	RenderTable RenderMode = "table"
	RenderList  RenderMode = "list"
)

// ParseRenderMode maps a config value to a mode; anything unknown is a table.
func ParseRenderMode(s string) RenderMode {
	if strings.EqualFold(strings.TrimSpace(s), string(RenderList)) {
		return RenderList
	}
	return RenderTable
}

var cellEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ", "\r", " ")

// Render formats results as markdown.
func Render(mode RenderMode, results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}
	if mode == RenderList {
		return renderList(results)
	}
	return renderTable(results)
}

func renderTable(results []SearchResult) string {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"序号", "标题", "摘要", "链接"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")

	rows := make([][]string, 0, len(results))
	for i, r := range results {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			cellEscaper.Replace(r.Title),
			cellEscaper.Replace(r.Snippet),
			"[链接](" + r.URL + ")",
		})
	}
	table.AppendBulk(rows)
	table.Render()

	return strings.TrimRight(sb.String(), "\n")
}

func renderList(results []SearchResult) string {
	lines := make([]string, 0, len(results))
	for i, r := range results {
		lines = append(lines, fmt.Sprintf("[%d] [%s](%s) | 来源: %s",
			i+1, cellEscaper.Replace(r.Title), r.URL, r.Hostname))
	}
	return strings.Join(lines, "\n")
}
