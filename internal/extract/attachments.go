package extract

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/policy-news-crawler/internal/crawler"
)

// maxNameRunes is the longest link text accepted as a filename.
const maxNameRunes = 100

var attachmentQueries = []string{
	".attachment a",
	".attach a",
	".fj a",
	"a[href*='download']",
	"a[href*='attach']",
	"a[href]",
}

var (
	fileExtPattern = regexp.MustCompile(`(?i)\.(pdf|docx?|xlsx?|pptx?|zip|rar|7z|wps|txt|csv)(?:$|[?#])`)
	// English keywords match whole words so "Profile" or /profile do not qualify.
	textPattern    = regexp.MustCompile(`(?i)下载|附件|\b(?:downloads?|attachments?|files?)\b`)
	hrefPattern    = regexp.MustCompile(`(?i)download|attach|(?:^|[^a-z])files?(?:id)?(?:[^a-z]|$)`)
)

var knownTypes = map[string]bool{
	"pdf": true, "doc": true, "docx": true, "xls": true, "xlsx": true, "ppt": true, "pptx": true,
	"zip": true, "rar": true, "7z": true, "wps": true, "txt": true, "csv": true,
}

// FindAttachments scans region (when non-nil) and then the whole document for
// attachment links. Results are unique by absolute URL, in discovery order.
func FindAttachments(doc *goquery.Document, region *goquery.Selection, base *url.URL) []crawler.Attachment {
	out := []crawler.Attachment{}
	seen := make(map[string]struct{})
	scopes := []*goquery.Selection{}
	if region != nil && region.Length() > 0 {
		scopes = append(scopes, region)
	}
	scopes = append(scopes, doc.Selection)

	for _, scope := range scopes {
		for _, query := range attachmentQueries {
			scope.Find(query).Each(func(_ int, a *goquery.Selection) {
				href, ok := a.Attr("href")
				if !ok {
					return
				}
				text := collapseSpace(a.Text())
				if !looksLikeAttachment(href, text) {
					return
				}
				abs, ok := resolve(base, href)
				if !ok {
					return
				}
				if _, dup := seen[abs]; dup {
					return
				}
				seen[abs] = struct{}{}
				title, _ := a.Attr("title")
				out = append(out, crawler.Attachment{
					Name: attachmentName(text, collapseSpace(title), abs),
					URL:  abs,
					Type: TypeTag(abs),
				})
			})
		}
	}
	return out
}

func looksLikeAttachment(href, text string) bool {
	if fileExtPattern.MatchString(href) {
		return true
	}
	return textPattern.MatchString(text) || hrefPattern.MatchString(href)
}

func attachmentName(text, title, abs string) string {
	name := text
	if name == "" {
		name = title
	}
	if name != "" && utf8.RuneCountInString(name) <= maxNameRunes {
		return name
	}
	return lastSegment(abs)
}

func lastSegment(abs string) string {
	u, err := url.Parse(abs)
	if err != nil {
		return "attachment"
	}
	seg := path.Base(u.Path)
	if decoded, err := url.PathUnescape(seg); err == nil {
		seg = decoded
	}
	if seg == "" || seg == "/" || seg == "." {
		return "attachment"
	}
	return seg
}

// TypeTag returns the lower-case document extension of rawURL's path, or "unknown".
func TypeTag(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return NameType(p)
}

// NameType returns the lower-case document extension of a file name, or "unknown".
func NameType(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if !knownTypes[ext] {
		return "unknown"
	}
	return ext
}
