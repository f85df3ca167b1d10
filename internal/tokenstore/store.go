// Package tokenstore は短命なアクセストークンをメモリ上にのみ保持する。
// 永続化はしない。プロセスが終了すれば失われる。
package tokenstore

import "sync"

// Store は現在のアクセストークンを保持する。
// ゼロ値は空の状態として利用できる。
type Store struct {
	mu    sync.RWMutex
	token string
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{}
}

// Set は保持しているトークンを無条件に置き換える。
// 空文字列はClearと同じ意味になる。
func (s *Store) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Get は現在のトークンを返す。未設定またはクリア済みの場合はfalseを返す。
func (s *Store) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Clear はトークンを破棄する。
func (s *Store) Clear() {
	s.Set("")
}
