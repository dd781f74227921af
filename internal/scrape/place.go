package scrape

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoPlace is returned when the page does not contain a place panel.
var ErrNoPlace = errors.New("page has no place panel")

var (
	nonDigits       = regexp.MustCompile(`[^0-9]`)
	nonRatingChars  = regexp.MustCompile(`[^0-9/]`)
	nonCountChars   = regexp.MustCompile(`[^0-9\s]`)
	collapseNewline = strings.NewReplacer("\r\n", " ", "\n", " ")
)

// Place is everything harvested from one place page.
type Place struct {
	URL           string      `json:"url"`
	Title         string      `json:"title"`
	BusinessType  string      `json:"business_type,omitempty"`
	Description   string      `json:"description,omitempty"`
	Info          Info        `json:"info"`
	AverageRating string      `json:"average_rating,omitempty"`
	RatingDetails map[int]int `json:"rating_details"`
	ReviewCount   int         `json:"review_count"`
	Reviews       []Review    `json:"reviews"`
}

// Info holds the place contact block.
type Info struct {
	Address   string   `json:"address,omitempty"`
	Website   string   `json:"website,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	PlusCode  string   `json:"plus_code,omitempty"`
	OpenHours []string `json:"open_hours"`
}

// Review is one harvested review.
type Review struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Link        string `json:"link,omitempty"`
	Rating      string `json:"rating"`
	Date        string `json:"date"`
	ReviewCount string `json:"review_count,omitempty"`
	VisitDate   string `json:"visit_date,omitempty"`
	Text        string `json:"text,omitempty"`
}

func parseHTML(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// ParsePlace extracts the place summary from a rendered place page.
func ParsePlace(html string) (Place, error) {
	doc, err := parseHTML(html)
	if err != nil {
		return Place{}, err
	}
	panel := doc.Find("[role='main']").First()
	if panel.Length() == 0 {
		return Place{}, ErrNoPlace
	}
	p := Place{
		Title:         strings.TrimSpace(panel.AttrOr("aria-label", "")),
		RatingDetails: map[int]int{},
		Info:          Info{OpenHours: []string{}},
	}

	heading := panel.Find("h1").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.Text()) == p.Title
	}).First()
	if heading.Length() > 0 {
		kind := heading.Parent().Next().Find(".fontBodyMedium").Eq(1)
		p.BusinessType = strings.TrimSpace(kind.Children().First().Text())
	}

	if about := doc.Find("[role='region'][aria-label^='About']").First(); about.Length() > 0 {
		p.Description = strings.TrimSpace(about.Text())
	}

	if info := doc.Find("[aria-label^='Information for']").First(); info.Length() > 0 {
		p.Info.Address = labelValue(info.Find("[data-item-id='address']"))
		p.Info.Website = strings.TrimSpace(info.Find("[data-item-id='authority']").First().AttrOr("href", ""))
		p.Info.Phone = labelValue(info.Find("[data-item-id^='phone']"))
		p.Info.PlusCode = labelValue(info.Find("[data-item-id='oloc']"))
		hours := info.Find("[jsaction^='pane.openhours']").First().Next().AttrOr("aria-label", "")
		for _, h := range strings.Split(hours, ";") {
			if h = strings.TrimSpace(h); h != "" {
				p.Info.OpenHours = append(p.Info.OpenHours, h)
			}
		}
	}

	summary := doc.Find("[jsaction='pane.reviewChart.moreReviews']").First()
	summary.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		parts := strings.Split(row.AttrOr("aria-label", ""), ",")
		if len(parts) < 2 {
			return
		}
		stars, err1 := strconv.Atoi(nonDigits.ReplaceAllString(parts[0], ""))
		count, err2 := strconv.Atoi(nonDigits.ReplaceAllString(parts[1], ""))
		if err1 == nil && err2 == nil {
			p.RatingDetails[stars] = count
		}
	})
	total := summary.Find("button[jsaction$='.reviewChart.moreReviews']").First()
	if total.Length() > 0 {
		p.ReviewCount, _ = strconv.Atoi(nonDigits.ReplaceAllString(total.Text(), ""))
		p.AverageRating = strings.TrimSpace(total.Parent().Children().First().Text())
	}
	return p, nil
}

// labelValue returns the part of an aria-label after its "Name:" prefix.
func labelValue(s *goquery.Selection) string {
	label := s.First().AttrOr("aria-label", "")
	_, value, ok := strings.Cut(label, ":")
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// ParseReview extracts a review from the outer HTML of its review node.
func ParseReview(html string) (Review, error) {
	doc, err := parseHTML(html)
	if err != nil {
		return Review{}, err
	}
	node := doc.Find("[data-review-id]").First()
	if node.Length() == 0 {
		return Review{}, errors.New("review node has no data-review-id")
	}
	r := Review{ID: node.AttrOr("data-review-id", "")}

	user := node.Find("button[jsaction$='.review.reviewerLink']").Not("[aria-label]").First()
	if user.Length() == 0 {
		return Review{}, fmt.Errorf("review %s: reviewer link missing", r.ID)
	}
	r.Link = user.AttrOr("data-href", "")
	userDivs := user.ChildrenFiltered("div")
	r.Name = strings.TrimSpace(userDivs.Eq(0).Text())
	if count := userDivs.Eq(1); count.Length() > 0 {
		fields := strings.Fields(nonCountChars.ReplaceAllString(count.Text(), ""))
		if len(fields) > 0 {
			r.ReviewCount = fields[0]
		}
	}

	body := node.ChildrenFiltered("div").ChildrenFiltered("div").Children().Last()
	if body.Length() == 0 {
		body = node
	}
	rating := body.Find("[role='img'][aria-label$='star'], [role='img'][aria-label$='stars']").First()
	if rating.Length() == 0 {
		rating = body.Children().First().Children().First()
	}
	raw := rating.AttrOr("aria-label", "")
	if raw == "" {
		raw = rating.Text()
	}
	r.Rating = nonRatingChars.ReplaceAllString(raw, "")
	r.Date = leafText(body, "ago")
	if r.Date == "" {
		return Review{}, fmt.Errorf("review %s: date missing", r.ID)
	}
	r.VisitDate = leafText(body, "Visited")
	if text := body.Find("div[id]").First(); text.Length() > 0 {
		r.Text = strings.TrimSpace(collapseNewline.Replace(text.Text()))
	}
	return r, nil
}

// leafText returns the text of the innermost element containing needle.
func leafText(s *goquery.Selection, needle string) string {
	var out string
	s.Find("*").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if el.Children().Length() == 0 && strings.Contains(el.Text(), needle) {
			out = strings.TrimSpace(el.Text())
			return false
		}
		return true
	})
	return out
}
