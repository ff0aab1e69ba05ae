package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InternLM/HuixiangDou-sub000/config"
	"github.com/InternLM/HuixiangDou-sub000/internal/cache"
	"github.com/InternLM/HuixiangDou-sub000/types"
)

func newWebStage(chat *scriptedChat, searcher Searcher) *webSearchStage {
	return &webSearchStage{
		client:   chat,
		searcher: searcher,
		web:      config.WebSearchConfig{Enable: true, APIKey: "k", MaxArticles: 4},
		store:    config.StoreConfig{ContextMaxLength: 4096},
		cfg: config.PipelineConfig{
			RelevanceThreshold: 6,
			SecurityThreshold:  3,
		},
		logger: zap.NewNop(),
	}
}

func badAnswerSession() *types.Session {
	sess := types.NewSession("g1", types.Query{Text: "如何安装 mmdeploy"}, nil)
	sess.Code = types.BadAnswer
	return sess
}

func TestWebSearchStageSkipsOnSuccess(t *testing.T) {
	chat := newScriptedChat()
	stage := newWebStage(chat, &fakeSearcher{})

	sess := types.NewSession("g1", types.Query{Text: "如何安装 mmdeploy"}, nil)
	sess.Code = types.Success

	tr := stage.Run(context.Background(), sess)
	assert.Equal(t, Transition{}, tr)
	assert.Empty(t, chat.prompts)
}

func TestWebSearchStageDisabled(t *testing.T) {
	chat := newScriptedChat()
	stage := newWebStage(chat, &fakeSearcher{})
	stage.web.Enable = false

	tr := stage.Run(context.Background(), badAnswerSession())
	assert.Equal(t, Transition{}, tr)
	assert.Empty(t, chat.prompts)
}

func TestWebSearchStageNoKeywords(t *testing.T) {
	chat := newScriptedChat()
	chat.keywords = ""
	stage := newWebStage(chat, &fakeSearcher{})

	tr := stage.Run(context.Background(), badAnswerSession())
	assert.Equal(t, Transition{Halt: true, Code: types.NoTopic}, tr)
}

func TestWebSearchStageSearchError(t *testing.T) {
	chat := newScriptedChat()
	stage := newWebStage(chat, &fakeSearcher{err: fmt.Errorf("backend down")})

	tr := stage.Run(context.Background(), badAnswerSession())
	assert.Equal(t, Transition{Code: types.WebSearchFail}, tr)
}

func TestWebSearchStageNoUsableArticles(t *testing.T) {
	chat := newScriptedChat()
	chat.relevance = "0" // 所有文章都被判不相关
	stage := newWebStage(chat, &fakeSearcher{articles: []cache.Article{
		{URL: "https://a.example.com", Content: "文章甲"},
		{URL: "https://b.example.com", Content: "文章乙"},
	}})

	sess := badAnswerSession()
	tr := stage.Run(context.Background(), sess)

	assert.Equal(t, Transition{Code: types.NoSearchResult}, tr)
	assert.Empty(t, sess.Response)
}

func TestWebSearchStageSecurityFilter(t *testing.T) {
	chat := newScriptedChat()
	chat.security = "10" // 所有文章都被判违禁
	stage := newWebStage(chat, &fakeSearcher{articles: []cache.Article{
		{URL: "https://a.example.com", Content: "文章甲"},
	}})

	tr := stage.Run(context.Background(), badAnswerSession())
	assert.Equal(t, Transition{Code: types.NoSearchResult}, tr)
}

func TestWebSearchStageSuccess(t *testing.T) {
	chat := newScriptedChat()
	stage := newWebStage(chat, &fakeSearcher{articles: []cache.Article{
		{URL: "https://a.example.com", Title: "安装指南", Content: "mmdeploy 安装指南正文"},
		{URL: "https://b.example.com", Title: "常见问题", Content: "mmdeploy 常见问题正文"},
	}})

	sess := badAnswerSession()
	tr := stage.Run(context.Background(), sess)

	assert.Equal(t, Transition{Code: types.Success}, tr)
	assert.Equal(t, chat.answer, sess.Response)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, sess.References)
	assert.Equal(t, chat.keywords, sess.Debug["web_keywords"])
}

func TestSerperSearcher(t *testing.T) {
	// 文章页：一个有正文，一个 404（回落到摘要）
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good":
			fmt.Fprint(w, `<html><body><nav>menu</nav><p>第一段正文</p><p>第二段正文</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer pages.Close()

	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		fmt.Fprintf(w, `{"organic":[
			{"title":"好文章","link":"%s/good","snippet":"摘要甲"},
			{"title":"死链接","link":"%s/gone","snippet":"摘要乙"}
		]}`, pages.URL, pages.URL)
	}))
	defer search.Close()

	s := NewSerperSearcher(config.WebSearchConfig{
		Endpoint:    search.URL,
		APIKey:      "test-key",
		MaxArticles: 4,
		Timeout:     5 * time.Second,
	}, zap.NewNop())

	articles, err := s.Search(context.Background(), "mmdeploy 安装")
	require.NoError(t, err)
	require.Len(t, articles, 2)

	assert.Contains(t, articles[0].Content, "第一段正文")
	assert.Contains(t, articles[0].Content, "第二段正文")
	assert.NotContains(t, articles[0].Content, "menu")
	assert.Equal(t, "摘要乙", articles[1].Content)
}

func TestSerperSearcherAPIError(t *testing.T) {
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer search.Close()

	s := NewSerperSearcher(config.WebSearchConfig{Endpoint: search.URL, APIKey: "k"}, zap.NewNop())
	_, err := s.Search(context.Background(), "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestPackArticlesBudget(t *testing.T) {
	articles := []cache.Article{
		{URL: "u1", Content: strings.Repeat("a", 80)},
		{URL: "u2", Content: strings.Repeat("b", 80)},
		{URL: "u3", Content: strings.Repeat("c", 80)},
	}
	packed, refs := packArticles(articles, 100)

	assert.LessOrEqual(t, len(packed), 102)
	assert.Contains(t, packed, "a")
	assert.Contains(t, packed, "b")
	assert.NotContains(t, packed, "c")
	assert.Equal(t, []string{"u1", "u2"}, refs)
}

func TestTruncateUTF8(t *testing.T) {
	s := "安装指南"
	cut := truncateUTF8(s, 7) // 7 字节落在第三个字中间
	assert.Equal(t, "安装", cut)
	assert.Equal(t, s, truncateUTF8(s, 100))
	assert.Equal(t, "", truncateUTF8(s, 0))
}
