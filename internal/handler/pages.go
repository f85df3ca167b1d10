package handler

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// indexFile はダッシュボードのエントリーポイント。
const indexFile = "index.html"

// PageHandler はビルド済みダッシュボードの静的ファイルを配信する。
// 存在しないパスにはクライアント側ルーティングのためindex.htmlを返す。
type PageHandler struct {
	dir   string
	files http.Handler
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(dir string) *PageHandler {
	return &PageHandler{
		dir:   dir,
		files: http.FileServer(http.Dir(dir)),
	}
}

// ServeHTTP はhttp.Handlerを実装する。
func (h *PageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	if clean != "/" && h.exists(clean) {
		h.files.ServeHTTP(w, r)
		return
	}

	// 拡張子付きのパスはアセットとみなし、index.htmlで代替しない
	if path.Ext(clean) != "" && !strings.HasSuffix(clean, ".html") {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filepath.Join(h.dir, indexFile))
}

// exists は配信ディレクトリ内に通常ファイルとして存在するかを判定する。
func (h *PageHandler) exists(clean string) bool {
	info, err := os.Stat(filepath.Join(h.dir, filepath.FromSlash(clean)))
	return err == nil && !info.IsDir()
}
