package controllers

// APIResponse 统一API响应结构
type APIResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data,omitempty"`
}

// SuccessResponse 构造成功响应
func SuccessResponse(msg string, data interface{}) *APIResponse {
	if msg == "" {
		msg = "操作成功"
	}
	return &APIResponse{Status: 0, Msg: msg, Data: data}
}

// ErrorResponse 构造失败响应
func ErrorResponse(status int, msg string) *APIResponse {
	return &APIResponse{Status: status, Msg: msg}
}
