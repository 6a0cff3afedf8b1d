package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	ConfigLoadFailed   string
	ConfigInvalid      string
	UsingDBPath        string
	DBInitFailed       string
	DBMigrationsFailed string
	InstanceID         string
	ServerListening    string
	GRPCListening      string
	APIServerError     string
	GRPCServerError    string
	ShuttingDown       string
	ShutdownComplete   string

	// Execution backend
	DryRunMode     string
	BridgeMode     string
	BrokerInitFail string

	// Ingestion
	TelegramDisabled string
	TelegramStarted  string
	TelegramAllowAll string
	TelegramStopped  string
	AlertsEnabled    string
	PendingOnStartup string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Starting:           "Starting signal trader...",
	ConfigLoaded:       "Config loaded (Port: %s, gRPC: %s)",
	ConfigLoadFailed:   "Failed to load config: %v",
	ConfigInvalid:      "Invalid config: %v",
	UsingDBPath:        "Using DB path: %s",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	InstanceID:         "Instance id: %s",
	ServerListening:    "Server listening on :%s",
	GRPCListening:      "gRPC health service listening on :%s",
	APIServerError:     "API server error: %v",
	GRPCServerError:    "gRPC server error: %v",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete.",

	DryRunMode:     "Running in DRY-RUN mode (orders will NOT reach MT5)",
	BridgeMode:     "Routing orders to MT5 bridge at %s",
	BrokerInitFail: "Failed to init execution backend: %v",

	TelegramDisabled: "TELEGRAM_TOKEN not set; chat ingestion disabled (API submissions only)",
	TelegramStarted:  "Telegram ingestion started for %d chats",
	TelegramAllowAll: "TELEGRAM_CHAT_IDS empty; accepting messages from every chat the bot sees",
	TelegramStopped:  "Telegram ingestion stopped: %v",
	AlertsEnabled:    "Order failure alerts go to chat %d",
	PendingOnStartup: "%d orders left pending by a previous run",
}

// Chinese messages
var messagesZH = Messages{
	Starting:           "啟動訊號交易服務...",
	ConfigLoaded:       "設定已載入（埠號：%s，gRPC：%s）",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	ConfigInvalid:      "設定無效：%v",
	UsingDBPath:        "使用資料庫路徑：%s",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	InstanceID:         "實例識別碼：%s",
	ServerListening:    "服務監聽於 :%s",
	GRPCListening:      "gRPC 健康檢查服務監聽於 :%s",
	APIServerError:     "API 伺服器錯誤：%v",
	GRPCServerError:    "gRPC 伺服器錯誤：%v",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "關閉完成。",

	DryRunMode:     "DRY-RUN 模式（委託不會送到 MT5）",
	BridgeMode:     "委託將送往 MT5 橋接服務 %s",
	BrokerInitFail: "初始化下單後端失敗：%v",

	TelegramDisabled: "未設定 TELEGRAM_TOKEN，停用聊天訊號接收（僅接受 API 提交）",
	TelegramStarted:  "Telegram 訊號接收已啟動，共 %d 個聊天",
	TelegramAllowAll: "TELEGRAM_CHAT_IDS 為空，接受機器人可見的所有聊天訊息",
	TelegramStopped:  "Telegram 訊號接收已停止：%v",
	AlertsEnabled:    "委託失敗警示將發送至聊天 %d",
	PendingOnStartup: "上次執行遺留 %d 筆待處理委託",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
