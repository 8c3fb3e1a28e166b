package telegram

import "sync"

// ChatState is the pending input a chat owes the bot
type ChatState struct {
	State string
	Data  map[string]interface{}
}

// StateManager tracks per-chat conversation state
type StateManager struct {
	mu     sync.RWMutex
	states map[int64]*ChatState
}

func NewStateManager() *StateManager {
	return &StateManager{
		states: make(map[int64]*ChatState),
	}
}

func (sm *StateManager) Set(chatID int64, state string, data map[string]interface{}) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if data == nil {
		data = make(map[string]interface{})
	}
	sm.states[chatID] = &ChatState{
		State: state,
		Data:  data,
	}
}

func (sm *StateManager) Get(chatID int64) *ChatState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.states[chatID]
}

func (sm *StateManager) Clear(chatID int64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.states, chatID)
}

// StateWaitSessionID: the next text message is a session id to sweep
const StateWaitSessionID = "wait_session_id"
