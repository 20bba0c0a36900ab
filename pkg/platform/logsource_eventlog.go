package platform

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rendered event XML as produced by wevtutil qe /f:RenderedXml /e:Events
type eventsXML struct {
	Events []eventXML `xml:"Event"`
}

type eventXML struct {
	System struct {
		Provider struct {
			Name string `xml:"Name,attr"`
		} `xml:"Provider"`
		EventID     uint32 `xml:"EventID"`
		Level       int    `xml:"Level"`
		TimeCreated struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
		EventRecordID uint64 `xml:"EventRecordID"`
		Channel       string `xml:"Channel"`
		Computer      string `xml:"Computer"`
	} `xml:"System"`
	EventData struct {
		Data []struct {
			Name  string `xml:"Name,attr"`
			Value string `xml:",chardata"`
		} `xml:"Data"`
	} `xml:"EventData"`
	RenderingInfo struct {
		Message string `xml:"Message"`
	} `xml:"RenderingInfo"`
}

// Event log level numbers for the normalized levels
func eventLogLevelNumbers(levels []string) []int {
	var numbers []int
	for _, level := range levels {
		switch level {
		case LevelCritical:
			numbers = append(numbers, 1)
		case LevelError:
			numbers = append(numbers, 2)
		case LevelWarning:
			numbers = append(numbers, 3)
		}
	}
	return numbers
}

func eventLogLevel(number int) string {
	switch number {
	case 1:
		return LevelCritical
	case 2:
		return LevelError
	case 3:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// eventLogQuery builds the XPath filter selecting records after recordID
func eventLogQuery(levels []string, recordID uint64) string {
	var clauses []string
	for _, n := range eventLogLevelNumbers(levels) {
		clauses = append(clauses, fmt.Sprintf("Level=%d", n))
	}
	filter := fmt.Sprintf("EventRecordID>%d", recordID)
	if len(clauses) > 0 {
		filter = fmt.Sprintf("(%s) and %s", strings.Join(clauses, " or "), filter)
	}
	return fmt.Sprintf("*[System[%s]]", filter)
}

func parseEventsXML(source string, data []byte) ([]LogEntry, uint64, error) {
	var doc eventsXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, 0, err
	}

	var maxID uint64
	entries := make([]LogEntry, 0, len(doc.Events))
	for _, ev := range doc.Events {
		sys := ev.System
		if sys.EventRecordID > maxID {
			maxID = sys.EventRecordID
		}

		message := strings.TrimSpace(ev.RenderingInfo.Message)
		if message == "" {
			var parts []string
			for _, d := range ev.EventData.Data {
				if v := strings.TrimSpace(d.Value); v != "" {
					parts = append(parts, v)
				}
			}
			message = strings.Join(parts, " ")
		}

		ts, err := time.Parse(time.RFC3339Nano, sys.TimeCreated.SystemTime)
		if err != nil {
			ts = time.Now()
		}

		entry := LogEntry{
			Source:   source,
			Provider: sys.Provider.Name,
			EventID:  sys.EventID,
			RecordID: strconv.FormatUint(sys.EventRecordID, 10),
			Level:    eventLogLevel(sys.Level),
			Message:  message,
			Time:     ts,
		}
		// Application Error (1000) and .NET Runtime (1026) put the faulting image first
		for _, d := range ev.EventData.Data {
			if d.Name == "AppName" || (d.Name == "" && entry.ProcessName == "" && strings.HasSuffix(strings.ToLower(d.Value), ".exe")) {
				entry.ProcessName = strings.TrimSpace(d.Value)
				break
			}
		}
		entries = append(entries, entry)
	}
	return entries, maxID, nil
}
