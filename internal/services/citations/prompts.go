package citations

import (
	"fmt"
	"strings"

	"github.com/thala-research/thala/internal/models"
)

// citationEnhanceSystem frames the enhancement agent. The translator output
// is treated as ground truth unless the page content plainly contradicts it.
const citationEnhanceSystem = `You are a bibliographic assistant completing citation metadata for a research library.
You fill missing fields and correct obvious errors using the page content provided.
You never invent authors, dates or identifiers that the evidence does not support.`

func enhancementPrompt(item *models.BibItem, rawURL, scraped string) string {
	var b strings.Builder
	b.WriteString("Complete the bibliographic metadata for the source below. ")
	b.WriteString("Fill only fields you can support; leave the rest empty. ")
	b.WriteString("Correct a field from the existing metadata only when the page content clearly contradicts it.")
	fmt.Fprintf(&b, "\n\nURL: %s", rawURL)
	fmt.Fprintf(&b, "\nItem type: %s", item.ItemType)
	if t := item.Field("title"); t != "" {
		fmt.Fprintf(&b, "\nTitle: %s", t)
	}
	if d := item.Field("date"); d != "" {
		fmt.Fprintf(&b, "\nDate: %s", d)
	}
	if pub := item.Field("publicationTitle"); pub != "" {
		fmt.Fprintf(&b, "\nPublication: %s", pub)
	}
	if len(item.Creators) > 0 {
		names := make([]string, 0, len(item.Creators))
		for _, c := range item.Creators {
			names = append(names, strings.TrimSpace(c.FirstName+" "+c.LastName))
		}
		fmt.Fprintf(&b, "\nAuthors: %s", strings.Join(names, "; "))
	}
	if scraped != "" {
		b.WriteString("\n\nPage content:\n\n")
		b.WriteString(scraped)
	}
	return b.String()
}
