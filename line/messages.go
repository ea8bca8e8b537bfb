package line

import (
	"fmt"
	"strconv"

	"queue-notifier/pkg/notifier"
)

// Language selects the wording of pushes and replies.
type Language string

// Supported languages.
const (
	Thai    Language = "th"
	English Language = "en"
)

// ParseLanguage maps a config value to a Language.
func ParseLanguage(s string) (Language, error) {
	switch Language(s) {
	case Thai, English:
		return Language(s), nil
	default:
		return "", fmt.Errorf("unsupported language %q (use th or en)", s)
	}
}

type catalog struct {
	current       string // queue, counter
	near          string // queue, remaining
	passed        string // queue, latest
	toGo          string // remaining, counter, latest
	statusHeader  string // queue, body
	noData        string // counter
	invalidNumber string // queue
	welcome       string // display name
	guest         string
	registered    string // queue, threshold
	conflict      string // queue
	conflictNamed string // queue, holder
	stopped       string
	notTracking   string
	failure       string
	help          string
}

var catalogs = map[Language]*catalog{
	Thai: {
		current:       "🎯 ถึงคิวแล้ว! คิว %d เชิญที่เคาน์เตอร์ %d",
		near:          "⚠️ ใกล้ถึงแล้ว! คิว %d (เหลือ %d คิว)",
		passed:        "🚫 คิว %d ผ่านไปแล้ว (คิวล่าสุด: %d)",
		toGo:          "⏳ รออีก %d คิว (เคาน์เตอร์ %d เรียกถึง %d)",
		statusHeader:  "📊 สถานะคิว %s\n%s",
		noData:        "❓ ยังไม่มีข้อมูลสำหรับเคาน์เตอร์ %d",
		invalidNumber: "❌ รูปแบบเลขคิวไม่ถูกต้อง (%s)",
		welcome:       "🎉 ยินดีต้อนรับ!\n\nสวัสดีคุณ %s\n\nเพียงพิมพ์เลขคิว 4-5 หลัก เพื่อเริ่มรับการแจ้งเตือน",
		guest:         "ผู้ใช้",
		registered:    "✅ ลงทะเบียนสำเร็จ!\n\nคิวที่ติดตาม: %s\n🔔 จะแจ้งเตือนเมื่อเหลือ %d คิว",
		conflict:      "ขออภัยค่ะ 🙏\n\nคิวหมายเลข %s มีผู้ใช้งานอื่นติดตามอยู่แล้ว\n\nกรุณาตรวจสอบหมายเลขคิวของคุณอีกครั้งค่ะ",
		conflictNamed: "ขออภัยค่ะ 🙏\n\nคิวหมายเลข %s มีผู้ใช้งานอื่นติดตามอยู่แล้ว (%q)\n\nกรุณาตรวจสอบหมายเลขคิวของคุณอีกครั้งค่ะ",
		stopped:       "❌ หยุดติดตามคิวแล้ว",
		notTracking:   "❓ ยังไม่ได้ติดตามคิวใดๆ",
		failure:       "เกิดข้อผิดพลาดในการตรวจสอบคิว",
		help:          "🏢 ระบบแจ้งเตือนคิว\n\nพิมพ์เลขคิว 4-5 หลัก เพื่อเริ่มใช้งาน\nพิมพ์ \"สถานะ\" เพื่อตรวจสอบ หรือ \"หยุด\" เพื่อยกเลิก",
	},
	English: {
		current:       "🎯 It's your turn! Queue %d, please go to counter %d.",
		near:          "⚠️ Almost there! Queue %d (%d to go).",
		passed:        "🚫 Queue %d has passed (latest called: %d).",
		toGo:          "⏳ %d to go (counter %d is at %d).",
		statusHeader:  "📊 Queue %s status\n%s",
		noData:        "❓ No data yet for counter %d.",
		invalidNumber: "❌ %s is not a valid queue number.",
		welcome:       "🎉 Welcome!\n\nHello %s.\n\nSend your 4-5 digit queue number to start receiving notifications.",
		guest:         "there",
		registered:    "✅ Registered!\n\nTracking queue: %s\n🔔 You'll be notified when %d numbers remain.",
		conflict:      "Sorry 🙏\n\nQueue %s is already tracked by another user.\n\nPlease double-check your queue number.",
		conflictNamed: "Sorry 🙏\n\nQueue %s is already tracked by another user (%q).\n\nPlease double-check your queue number.",
		stopped:       "❌ Stopped tracking your queue.",
		notTracking:   "❓ You are not tracking any queue number.",
		failure:       "Something went wrong while processing your request. Please try again.",
		help:          "🏢 Queue notifications\n\nSend your 4-5 digit queue number to start.\nSend \"status\" to check your position or \"stop\" to stop tracking.",
	},
}

// Messages renders pushes and replies in one language.
type Messages struct {
	c *catalog
}

// NewMessages returns the message set for lang. Unknown languages fall back to Thai.
func NewMessages(lang Language) Messages {
	c, ok := catalogs[lang]
	if !ok {
		c = catalogs[Thai]
	}
	return Messages{c: c}
}

// Transition is the push message for a transition. It is empty for none.
func (m Messages) Transition(st notifier.Status) string {
	switch st.Transition {
	case notifier.TransitionCurrent:
		return fmt.Sprintf(m.c.current, st.QueueNumber, st.CounterID)
	case notifier.TransitionNear:
		return fmt.Sprintf(m.c.near, st.QueueNumber, st.Remaining)
	case notifier.TransitionPassed:
		return fmt.Sprintf(m.c.passed, st.QueueNumber, st.LatestCalled)
	default:
		return ""
	}
}

// Status answers a status check for a tracked number.
func (m Messages) Status(st notifier.Status) string {
	body := m.Transition(st)
	if body == "" {
		body = fmt.Sprintf(m.c.toGo, st.Remaining, st.CounterID, st.LatestCalled)
	}
	return fmt.Sprintf(m.c.statusHeader, strconv.Itoa(st.QueueNumber), body)
}

// NoData is the status reply when a counter has no snapshot yet.
func (m Messages) NoData(queueNumber string, counterID int) string {
	return fmt.Sprintf(m.c.statusHeader, queueNumber, fmt.Sprintf(m.c.noData, counterID))
}

// InvalidNumber is the status reply for a tracked number outside every counter's range.
func (m Messages) InvalidNumber(queueNumber string) string {
	return fmt.Sprintf(m.c.invalidNumber, queueNumber)
}

// Welcome greets a new follower.
func (m Messages) Welcome(displayName string) string {
	if displayName == "" {
		displayName = m.c.guest
	}
	return fmt.Sprintf(m.c.welcome, displayName)
}

// Registered confirms a registration.
func (m Messages) Registered(queueNumber string, nearThreshold int) string {
	return fmt.Sprintf(m.c.registered, queueNumber, nearThreshold)
}

// Conflict reports that another user already tracks the number.
func (m Messages) Conflict(queueNumber, holderName string) string {
	if holderName == "" {
		return fmt.Sprintf(m.c.conflict, queueNumber)
	}
	return fmt.Sprintf(m.c.conflictNamed, queueNumber, holderName)
}

func (m Messages) Stopped() string     { return m.c.stopped }
func (m Messages) NotTracking() string { return m.c.notTracking }
func (m Messages) Failure() string     { return m.c.failure }
func (m Messages) Help() string        { return m.c.help }
