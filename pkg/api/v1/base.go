package apiv1

const HttpServerBaseRoute = "/api/v1"
