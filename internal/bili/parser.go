package bili

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BairdWan/BilibiliMonitoring/internal/domain"
)

const (
	dynamicTypeForward = "DYNAMIC_TYPE_FORWARD"
	majorTypeOpus      = "MAJOR_TYPE_OPUS"
	pinnedTagText      = "置顶"
)

type spaceFeedData struct {
	Items          []dynamicItem `json:"items"`
	UpdateBaseline string        `json:"update_baseline"`
}

type dynamicItem struct {
	IDStr   string `json:"id_str"`
	Type    string `json:"type"`
	Modules struct {
		Author struct {
			Mid   json.Number `json:"mid"`
			Name  string      `json:"name"`
			PubTS int64       `json:"pub_ts"`
		} `json:"module_author"`
		Dynamic struct {
			Desc *struct {
				Text string `json:"text"`
			} `json:"desc"`
			Major *struct {
				Type string `json:"type"`
				Opus *struct {
					Title   string `json:"title"`
					Summary struct {
						Text string `json:"text"`
					} `json:"summary"`
				} `json:"opus"`
			} `json:"major"`
		} `json:"module_dynamic"`
		Tag *struct {
			Text string `json:"text"`
		} `json:"module_tag"`
	} `json:"modules"`
	// Fallback timestamp used by older feed payloads.
	PubTimestamp int64 `json:"pub_timestamp"`
}

type videoListData struct {
	List struct {
		VList []videoItem `json:"vlist"`
	} `json:"list"`
}

type videoItem struct {
	BVID        string      `json:"bvid"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Created     int64       `json:"created"`
	Author      string      `json:"author"`
	Mid         json.Number `json:"mid"`
}

// parseDynamicItem maps one feed entry to a ContentItem. Entries
// without an id are unusable and skipped.
func parseDynamicItem(accountID string, raw dynamicItem) (domain.ContentItem, bool) {
	id := strings.TrimSpace(raw.IDStr)
	if id == "" {
		return domain.ContentItem{}, false
	}

	pubTS := raw.Modules.Author.PubTS
	if pubTS == 0 {
		pubTS = raw.PubTimestamp
	}
	var createdAt time.Time
	if pubTS > 0 {
		createdAt = time.Unix(pubTS, 0)
	}

	var title, body string
	if d := raw.Modules.Dynamic.Desc; d != nil {
		body = d.Text
	}
	if m := raw.Modules.Dynamic.Major; m != nil && m.Type == majorTypeOpus && m.Opus != nil {
		title = m.Opus.Title
		if body == "" {
			body = m.Opus.Summary.Text
		}
	}

	pinned := raw.Modules.Tag != nil && strings.TrimSpace(raw.Modules.Tag.Text) == pinnedTagText

	return domain.ContentItem{
		ItemID:          id,
		AccountID:       accountID,
		Kind:            domain.KindPost,
		CreatedAt:       createdAt,
		Title:           strings.TrimSpace(title),
		Body:            strings.TrimSpace(body),
		URL:             fmt.Sprintf("https://t.bilibili.com/%s", id),
		IsPinned:        pinned,
		IsRepostOfOther: raw.Type == dynamicTypeForward,
	}, true
}

// parseVideoItem maps one upload-list entry to a ContentItem. Video
// ids are namespaced with a "video_" prefix so they can never collide
// with dynamic ids in the delivery ledger.
func parseVideoItem(accountID string, raw videoItem) (domain.ContentItem, bool) {
	bvid := strings.TrimSpace(raw.BVID)
	if bvid == "" {
		return domain.ContentItem{}, false
	}

	var createdAt time.Time
	if raw.Created > 0 {
		createdAt = time.Unix(raw.Created, 0)
	}

	return domain.ContentItem{
		ItemID:    "video_" + bvid,
		AccountID: accountID,
		Kind:      domain.KindVideo,
		CreatedAt: createdAt,
		Title:     strings.TrimSpace(raw.Title),
		Body:      strings.TrimSpace(raw.Description),
		URL:       fmt.Sprintf("https://www.bilibili.com/video/%s", bvid),
	}, true
}
