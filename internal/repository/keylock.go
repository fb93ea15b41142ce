package repository

import "sync"

// keyedMutex выдаёт отдельный мьютекс на каждый ключ. Операции над разными
// ключами не блокируют друг друга; запись удаляется, когда ключ никем не занят.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// do выполняет fn под мьютексом ключа: проверка условия и изменение внутри fn
// видны остальным как одна операция.
func (k *keyedMutex) do(key string, fn func() error) error {
	unlock := k.lock(key)
	defer unlock()
	return fn()
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
