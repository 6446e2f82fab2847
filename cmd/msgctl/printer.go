package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/deptportal/msgcore/internal/api"
	"github.com/deptportal/msgcore/internal/chat"
)

// printer renders responses as text, or as JSON with --json.
type printer struct {
	json bool
}

func (p *printer) history(resp map[string]any) error {
	if p.json {
		outputJSON(resp)
		return nil
	}
	msgs, err := api.Messages(resp)
	if err != nil {
		return err
	}
	byID := make(map[string]api.Message, len(msgs))
	converted := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		byID[m.ID] = m
		converted[i] = toChat(m)
	}
	if more, _ := resp["has_more"].(bool); more {
		fmt.Println("  (older messages available: msgctl more)")
	}
	for _, day := range chat.GroupByDay(converted, time.Local) {
		fmt.Printf("── %s ──\n", day.Date.Format("Mon 02 Jan 2006"))
		for _, m := range day.Messages {
			printMessage(byID[m.ID])
		}
	}
	if msg, _ := resp["error"].(string); msg != "" {
		fmt.Printf("  ! history incomplete: %s\n", msg)
	}
	return nil
}

func (p *printer) message(resp map[string]any) error {
	if p.json {
		outputJSON(resp)
		return nil
	}
	var m api.Message
	if err := api.Decode(resp["message"], &m); err != nil {
		return err
	}
	printMessage(m)
	return nil
}

func (p *printer) staged(resp map[string]any) error {
	if p.json {
		outputJSON(resp)
		return nil
	}
	var atts []api.Attachment
	if err := api.Decode(resp["staged"], &atts); err != nil {
		return err
	}
	if len(atts) == 0 {
		fmt.Println("Nothing staged.")
		return nil
	}
	for i, a := range atts {
		fmt.Printf("%d  %s\n", i, describe(a))
	}
	return nil
}

func (p *printer) members(resp map[string]any) error {
	if p.json {
		outputJSON(resp)
		return nil
	}
	var members []api.Member
	if err := api.Decode(resp["members"], &members); err != nil {
		return err
	}
	if len(members) == 0 {
		fmt.Println("No users found.")
		return nil
	}
	for _, m := range members {
		fmt.Printf("%-12s %-28s %s\n", m.UserID, m.Name, m.Role)
	}
	return nil
}

func (p *printer) event(evt api.Event) {
	if p.json {
		outputJSON(evt)
		return
	}
	payload, _ := json.Marshal(evt.Payload)
	fmt.Printf("%s %-28s %s\n", evt.At.Local().Format("15:04:05"), evt.Kind, payload)
}

func printMessage(m api.Message) {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	var flags []string
	if m.EditedAt != nil {
		flags = append(flags, "edited")
	}
	if m.Status != "" {
		flags = append(flags, m.Status)
	}
	fmt.Printf("  %s  %s: %s  [%s]  #%s\n", m.CreatedAt.Local().Format("15:04"), sender, m.Body, strings.Join(flags, ", "), m.ID)
	for _, a := range m.Attachments {
		fmt.Printf("         + %s\n", describe(a))
	}
}

func describe(a api.Attachment) string {
	s := fmt.Sprintf("%s (%s, %s)", a.Name, a.MimeType, humanSize(a.Size))
	if a.Progress >= 0 {
		s += fmt.Sprintf(" uploading %d%%", a.Progress)
	}
	return s
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
