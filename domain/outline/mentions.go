package outline

import "regexp"

// mentionPattern matches [[node-id]] wiki links in content.
var mentionPattern = regexp.MustCompile(`\[\[([^\[\]]+)\]\]`)

// ExtractMentions returns the node IDs referenced from content, deduplicated
// in first-appearance order. Mentions are derived data: they ride along on
// the record but never count as user intent for conflict purposes.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		id := m[1]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		mentions = append(mentions, id)
	}
	return mentions
}
