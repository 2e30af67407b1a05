package notify

import (
	"strconv"
	"strings"

	"github.com/shaiso/xdispatch/internal/domain"
)

// composeURL — адрес, который discrete job типа reply получает, когда
// публикует новый пост, а не отвечает на существующий.
const composeURL = "https://x.com/compose/post"

var typeLabels = map[string]string{
	"like":    "❤️ Likes",
	"retweet": "🔁 Retweets",
	"reply":   "💬 Replies",
	"tweet":   "📝 Tweets",
	"view":    "👁 Views",
}

// markdownEscaper экранирует спецсимволы Telegram MarkdownV2.
var markdownEscaper = func() *strings.Replacer {
	const special = "_*[]()~`>#+-=|{}.!\\"
	pairs := make([]string, 0, 2*len(special))
	for _, r := range special {
		pairs = append(pairs, string(r), "\\"+string(r))
	}
	return strings.NewReplacer(pairs...)
}()

// EscapeMarkdown экранирует текст для parse_mode=MarkdownV2.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// TypeLabel возвращает подпись типа действия для уведомления.
func TypeLabel(actionType string) string {
	if label, ok := typeLabels[strings.ToLower(actionType)]; ok {
		return label
	}
	return actionType
}

// Format строит текст уведомления в MarkdownV2.
func Format(ev domain.JobFinished) string {
	switch ev.Family {
	case domain.FamilyWarmer:
		return formatCampaign("Warmer", ev)
	case domain.FamilyScraping:
		return formatCampaign("Scraping", ev)
	default:
		return formatAction(ev)
	}
}

func formatAction(ev domain.JobFinished) string {
	typ := strings.ToLower(ev.Type)
	isPost := typ == "tweet"
	if typ == "reply" && ev.URL == composeURL {
		typ = "tweet"
		isPost = true
	}

	var b strings.Builder
	b.WriteString("*✅ Action completed*\n\n")
	b.WriteString("*Type:* " + EscapeMarkdown(TypeLabel(typ)) + "\n")
	b.WriteString("*Quantity:* " + strconv.Itoa(ev.Quantity))
	if !isPost && ev.URL != "" {
		b.WriteString("\n\n*Link:* " + EscapeMarkdown(ev.URL))
	}
	return b.String()
}

func formatCampaign(kind string, ev domain.JobFinished) string {
	var b strings.Builder
	b.WriteString("*✅ " + kind + " job \\#" + strconv.FormatInt(ev.JobID, 10) + " completed*\n\n")
	b.WriteString("*Type:* " + EscapeMarkdown(ev.Type) + "\n")
	b.WriteString("*Succeeded:* " + strconv.Itoa(ev.Counters.Succeeded) + "/" + strconv.Itoa(ev.Total) + "\n")
	b.WriteString("*Failed:* " + strconv.Itoa(ev.Counters.Failed))
	return b.String()
}
