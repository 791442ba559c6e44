package dingtalk

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Robot errcodes that are worth telling apart.
const (
	ErrCodeTooFast  = 130101 // more than 20 messages a minute
	ErrCodeSecurity = 310000 // signature, keyword or IP allow-list mismatch
)

// China quotes rising in red and falling in green.
const (
	colorUp   = "#E53935"
	colorDown = "#2E7D32"
)

// Message is one markdown robot message.
type Message struct {
	Title string
	Text  string
}

// LimitNotice is a symbol sitting on its daily price limit.
type LimitNotice struct {
	Symbol  string
	Name    string
	Down    bool
	Price   decimal.Decimal
	Limit   decimal.Decimal
	Percent decimal.Decimal
	At      time.Time
}

func (n LimitNotice) headline() string {
	label := "Limit Up"
	if n.Down {
		label = "Limit Down"
	}
	name := n.Name
	if name == "" {
		name = n.Symbol
	}
	return label + " " + name
}

// LimitMessage folds notices into one message titled after the first, so a
// burst at the open costs a single webhook call.
func LimitMessage(notices []LimitNotice) Message {
	if len(notices) == 0 {
		return Message{}
	}
	title := notices[0].headline()
	if len(notices) > 1 {
		title = fmt.Sprintf("%s (+%d)", title, len(notices)-1)
	}

	var b strings.Builder
	for _, n := range notices {
		color := colorUp
		if n.Down {
			color = colorDown
		}
		fmt.Fprintf(&b, "- **<font color=%s>%s</font>** `%s`\n", color, n.headline(), n.Symbol)
		fmt.Fprintf(&b, "  price %s, limit %s, change %s%%, at %s\n",
			n.Price.StringFixed(2), n.Limit.StringFixed(2), n.Percent.StringFixed(2),
			n.At.Format("15:04:05"))
	}
	return Message{Title: title, Text: b.String()}
}
