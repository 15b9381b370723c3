// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/lipgloss/tree"
)

// TreeItem is one line of a rendered tree.
type TreeItem struct {
	Label    string
	Detail   string
	Children []TreeItem
}

// Tree renders root and its children.
//
// LevelMachine prints one tab-separated "depth, label, detail" line per
// item; the other levels draw branches, rounded at LevelFull.
func (p *Printer) Tree(root TreeItem) {
	if p.level == LevelMachine {
		writePlainTree(p.w, root, 0)
		return
	}
	t := buildTree(root, p.level)
	if p.level == LevelFull {
		t.Enumerator(tree.RoundedEnumerator)
	}
	t.EnumeratorStyle(Styles.Muted)
	fmt.Fprintln(p.w, t.String())
}

func buildTree(item TreeItem, level Level) *tree.Tree {
	t := tree.Root(label(item, level))
	for _, c := range item.Children {
		if len(c.Children) == 0 {
			t.Child(label(c, level))
			continue
		}
		t.Child(buildTree(c, level))
	}
	return t
}

func label(item TreeItem, level Level) string {
	if item.Detail == "" {
		return item.Label
	}
	if level == LevelMinimal {
		return item.Label + " (" + item.Detail + ")"
	}
	return item.Label + " " + Styles.Muted.Render("("+item.Detail+")")
}

func writePlainTree(w io.Writer, item TreeItem, depth int) {
	fmt.Fprintf(w, "%d\t%s%s\t%s\n", depth, strings.Repeat("  ", depth), item.Label, item.Detail)
	for _, c := range item.Children {
		writePlainTree(w, c, depth+1)
	}
}

// Table renders rows under headers.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.level == LevelMachine {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.w, strings.Join(r, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Bold.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(p.w, t.String())
}
