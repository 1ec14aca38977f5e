package websocket

// Action constants for the bridge surface, grouped by channel family.
const (
	// Conversation actions
	ActionConversationCreate         = "conversation.create"
	ActionConversationCreateWith     = "conversation.createWithConversation"
	ActionConversationGet            = "conversation.get"
	ActionConversationGetAssociate   = "conversation.getAssociateConversation"
	ActionConversationRemove         = "conversation.remove"
	ActionConversationUpdate         = "conversation.update"
	ActionConversationReset          = "conversation.reset"
	ActionConversationStop           = "conversation.stop"
	ActionConversationSendMessage    = "conversation.sendMessage"
	ActionConversationConfirmMessage = "conversation.confirmMessage"
	ActionConversationGetWorkspace   = "conversation.getWorkspace"
	ActionConversationReloadContext  = "conversation.reloadContext"

	// Database actions
	ActionDatabaseGetConversationMessages = "database.getConversationMessages"
	ActionDatabaseGetUserConversations    = "database.getUserConversations"

	// MCP actions
	ActionMcpGetAgentConfigs  = "mcp.getAgentMcpConfigs"
	ActionMcpTestConnection   = "mcp.testMcpConnection"
	ActionMcpSyncToAgents     = "mcp.syncMcpToAgents"
	ActionMcpRemoveFromAgents = "mcp.removeMcpFromAgents"

	// System actions
	ActionSystemInfo       = "system.systemInfo"
	ActionSystemUpdateInfo = "system.updateSystemInfo"

	// Notification actions (server -> client)
	ActionResponseStream          = "conversation.responseStream"
	ActionResponseSearchWorkSpace = "conversation.responseSearchWorkSpace"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
