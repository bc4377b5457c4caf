package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jason-s-yu/lobbyd/internal/lobby"
	"github.com/jason-s-yu/lobbyd/internal/models"
)

// splitAttr parses "key=value" or "key=value:visibility".
func splitAttr(s string) (string, string, models.Visibility, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", "", "", fmt.Errorf("attribute %q: want key=value[:visibility]", s)
	}
	if i := strings.LastIndex(value, ":"); i >= 0 {
		if vis := models.Visibility(value[i+1:]); vis.Valid() {
			return key, value[:i], vis, nil
		}
	}
	return key, value, "", nil
}

func parseAttributes(specs []string) (models.Attributes, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(models.Attributes, len(specs))
	for _, s := range specs {
		k, v, vis, err := splitAttr(s)
		if err != nil {
			return nil, err
		}
		if vis == "" {
			vis = models.VisibilityPublic
		}
		out[k] = models.Attribute{Value: v, Visibility: vis}
	}
	return out, nil
}

// parsePatch also accepts "-key" to remove a key.
func parsePatch(specs []string) (models.AttributePatch, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(models.AttributePatch, len(specs))
	for _, s := range specs {
		if key, ok := strings.CutPrefix(s, "-"); ok && !strings.Contains(key, "=") {
			if key == "" {
				return nil, fmt.Errorf("attribute %q: empty key", s)
			}
			out[key] = models.AttributeUpdate{Delete: true}
			continue
		}
		k, v, vis, err := splitAttr(s)
		if err != nil {
			return nil, err
		}
		out[k] = models.AttributeUpdate{Value: v, Visibility: vis}
	}
	return out, nil
}

func parseFilters(specs []string) ([]lobby.Filter, error) {
	filters := make([]lobby.Filter, 0, len(specs))
	for _, s := range specs {
		f, err := lobby.ParseFilter(s)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func parseOrders(specs []string) ([]lobby.Order, error) {
	var orders []lobby.Order
	for _, s := range specs {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			o, err := lobby.ParseOrder(part)
			if err != nil {
				return nil, err
			}
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatAttributes(a models.Attributes) string {
	if len(a) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, a[k].Value)
	}
	return strings.Join(parts, " ")
}

// printPlayers writes one line per member, in join order.
func printPlayers(w io.Writer, l *models.Lobby) {
	fmt.Fprintf(w, "lobby %s %q code=%s players=%d/%d\n", l.ID, l.Name, l.Code, len(l.Players), l.MaxPlayers)
	for _, p := range l.Players {
		role := "member"
		if p.ID == l.HostID {
			role = "host"
		}
		fmt.Fprintf(w, "  %-36s %-6s %s\n", p.ID, role, formatAttributes(p.Attributes))
	}
	if !l.HostPresent() {
		fmt.Fprintf(w, "  (host %s has left)\n", l.HostID)
	}
}

// printChange describes what differs between two snapshots.
func printChange(w io.Writer, prev, next *models.Lobby) {
	switch {
	case next == nil && prev != nil:
		fmt.Fprintf(w, "no longer in lobby %s\n", prev.ID)
		return
	case prev == nil && next != nil:
		fmt.Fprintf(w, "in lobby %s (code %s)\n", next.ID, next.Code)
		printPlayers(w, next)
		return
	case prev == nil || next == nil:
		return
	}

	for _, p := range next.Players {
		if !prev.HasPlayer(p.ID) {
			fmt.Fprintf(w, "player %s joined\n", p.ID)
		}
	}
	for _, p := range prev.Players {
		if !next.HasPlayer(p.ID) {
			fmt.Fprintf(w, "player %s left\n", p.ID)
		}
	}
	if prev.HostID != next.HostID {
		fmt.Fprintf(w, "host is now %s\n", next.HostID)
	}
	if formatAttributes(prev.Attributes) != formatAttributes(next.Attributes) {
		fmt.Fprintf(w, "lobby attributes: %s\n", formatAttributes(next.Attributes))
	}
}
